// procmanctl is the operator CLI for a running procman daemon. It talks
// to the control API over HTTP and prints plain text.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"procman/internal/job"
)

const usage = `usage: procmanctl [-addr host:port] <command> [args]

commands:
  list               show every scheduled job and its state
  status <name>      show one job
  start <name>       start a program (clears a stop/failure hold)
  stop <name>        stop a program until the next start
  run <name>         trigger a task immediately
  reload             re-read the schedule file
`

func main() {
	var addr string
	flag.StringVar(&addr, "addr", "127.0.0.1:7530", "control api address")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: "http://" + addr, http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch cmd := args[0]; cmd {
	case "list":
		err = c.list()
	case "status":
		err = withName(args, c.status)
	case "start":
		err = withName(args, func(n string) error { return c.action(n, "start") })
	case "stop":
		err = withName(args, func(n string) error { return c.action(n, "stop") })
	case "run":
		err = withName(args, func(n string) error { return c.action(n, "run") })
	case "reload":
		err = c.reload()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withName(args []string, fn func(string) error) error {
	if len(args) < 2 {
		return fmt.Errorf("%s requires a job name", args[0])
	}
	return fn(args[1])
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *client) post(path string) error {
	resp, err := c.http.Post(c.base+path, "application/json", nil)
	if err != nil {
		return err
	}
	return decode(resp, &struct{}{})
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.Unmarshal(body, out)
}

func (c *client) list() error {
	var resp struct {
		Jobs []job.Status `json:"jobs"`
	}
	if err := c.get("/v1/jobs", &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tFAILURES\tNEXT DUE\tLAST START")
	for _, st := range resp.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			st.Name, st.State, pidStr(st.PID), st.ConsecutiveFailures,
			timeStr(st.NextDue), timeStr(st.LastStart))
	}
	return w.Flush()
}

func (c *client) status(name string) error {
	var st job.Status
	if err := c.get("/v1/jobs/"+name, &st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "name\t%s\n", st.Name)
	fmt.Fprintf(w, "state\t%s\n", st.State)
	fmt.Fprintf(w, "pid\t%s\n", pidStr(st.PID))
	fmt.Fprintf(w, "last start\t%s\n", timeStr(st.LastStart))
	fmt.Fprintf(w, "last exit code\t%d\n", st.LastExitCode)
	fmt.Fprintf(w, "failures\t%d\n", st.ConsecutiveFailures)
	fmt.Fprintf(w, "next due\t%s\n", timeStr(st.NextDue))
	if st.RunID != "" {
		fmt.Fprintf(w, "run id\t%s\n", st.RunID)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "error\t%s\n", st.Error)
	}
	return w.Flush()
}

func (c *client) action(name, op string) error {
	if err := c.post("/v1/jobs/" + name + "/" + op); err != nil {
		return err
	}
	fmt.Printf("%s: %s requested\n", name, op)
	return nil
}

func (c *client) reload() error {
	if err := c.post("/v1/reload"); err != nil {
		return err
	}
	fmt.Println("schedule reloaded")
	return nil
}

func pidStr(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

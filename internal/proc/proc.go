// Package proc holds the small amount of process-spawning plumbing shared
// by the program supervisor and the task runner.
package proc

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"procman/internal/job"
)

// OpenLog opens (appending) the per-job output file under dir. An empty dir
// discards output.
func OpenLog(dir, name string) (*os.File, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// Command builds the exec.Cmd for a job spec. The child gets its own
// process group so stop can signal the whole tree.
func Command(sp *job.Spec, logFile *os.File) *exec.Cmd {
	cmd := exec.Command(sp.Command[0], sp.Command[1:]...)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Terminate sends SIGTERM to the process group, falling back to the single
// process when the group signal fails.
func Terminate(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

// Kill force-kills the process group.
func Kill(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

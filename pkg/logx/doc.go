// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase can log through a small, stable
// API (Logger + Field helpers) while sink wiring (console, file) stays in
// one place.
package logx

// Package logx wraps zerolog behind a small Field-based API with
// hot-swappable sinks (console, JSON file, systemd journal).
//
// Loggers obtained from a Service stay live across Apply() calls, so
// reconfiguring logging at runtime never requires re-plumbing loggers
// through the component tree.
package logx

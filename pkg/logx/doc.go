// Package logx wraps zerolog behind a small Field-based facade so the rest
// of the codebase never imports zerolog directly.
//
// The Service owns the sinks (console, optional file) and can re-apply
// configuration at runtime; Loggers handed out before an Apply() keep
// working and pick up the new sinks automatically.
package logx

// Package logx provides the structured logging facade used across postbot.
//
// It wraps zerolog behind a small Logger type so call sites never depend on
// zerolog directly, and a Service whose sinks/levels can be swapped at runtime
// when the config file is hot-reloaded.
package logx

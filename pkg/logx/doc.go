// Package logx is gputracker's logging layer on top of zerolog.
//
// Logger values are cheap to copy and stay bound to their Service, so a
// reload that changes level or sinks reaches every component without
// re-plumbing loggers. Warnings can also be forwarded, rate limited, to
// an operator notification channel.
package logx

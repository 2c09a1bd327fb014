package util

import (
	"log"
)

// ErrorLogger may be used to report errors. Implementations may decide
// to log, mutate, redirect and discard them. This interface is used in
// places where errors are generated asynchronously, meaning they cannot
// be returned to the caller directly.
type ErrorLogger interface {
	Log(err error)
}

type defaultErrorLogger struct{}

func (l defaultErrorLogger) Log(err error) {
	log.Print(err)
}

// DefaultErrorLogger writes errors using Go's standard logging package.
var DefaultErrorLogger ErrorLogger = defaultErrorLogger{}

type prefixedErrorLogger struct {
	base   ErrorLogger
	prefix string
}

func (l prefixedErrorLogger) Log(err error) {
	l.base.Log(StatusWrap(err, l.prefix))
}

// NewPrefixedErrorLogger creates an ErrorLogger that prepends a fixed
// string to every error before forwarding it to a base logger. This is
// used to distinguish errors generated by individual shards.
func NewPrefixedErrorLogger(base ErrorLogger, prefix string) ErrorLogger {
	return prefixedErrorLogger{base: base, prefix: prefix}
}

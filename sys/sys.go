// Package sys collects small operating system helpers.
package sys

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/logger"
)

// Exists returns true if the path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ShutdownContext returns a context cancelled on SIGINT or SIGTERM.
func ShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// PanicError converts a recovered value into an error carrying the stack.
func PanicError(v interface{}) error {
	var err error
	if e, ok := v.(error); ok {
		err = errors.Wrap(e, "panic")
	} else {
		err = errors.Newf("panic: %v", v)
	}
	return errors.WithDetail(err, string(debug.Stack()))
}

// RecoverPanic is deferred at the top of goroutines that must not take the
// process down. The recovered panic is logged and handed to onPanic if set.
func RecoverPanic(log logger.Logger, onPanic func(error)) {
	if r := recover(); r != nil {
		err := PanicError(r)
		log.Error("recovered panic: %s", err)
		if logger.IsDebugEnabled(log) {
			log.Debug("%s", fmt.Sprintf("%+v", err))
		}
		if onPanic != nil {
			onPanic(err)
		}
	}
}

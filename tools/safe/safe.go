package safe

import (
	"PPChat/logger"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers and logs panics.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f in the current goroutine and converts a panic into a logged error.
// It reports whether f returned normally.
func Run(name string, f func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Safe] panic recovered", zap.String("name", name), zap.Error(errs.ErrPanic(r)))
			ok = false
		}
	}()
	f()
	return true
}

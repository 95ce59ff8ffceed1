package safe

import (
	"PPIM/logger"

	"go.uber.org/zap"
)

// Go runs f on a new goroutine and recovers panics, so a bug in one
// flush or subscriber loop cannot take the gateway down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered", zap.Any("panic", r))
			}
		}()
		f()
	}()
}

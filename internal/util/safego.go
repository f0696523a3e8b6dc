// safego.go — Panic-recovering goroutine launcher.
package util

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo launches fn in a goroutine with deferred panic recovery.
// On panic: logs the value and stack under the given name. Does NOT exit —
// background panics should be survivable so the daemon stays up.
func SafeGo(log *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in background goroutine",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn()
	}()
}

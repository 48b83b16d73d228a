package safe

import (
	"ChatGateway/logger"
)

// Go starts a goroutine that recovers from panics so one misbehaving
// connection cannot take the gateway down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}

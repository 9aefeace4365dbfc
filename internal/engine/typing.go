package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/ollagram/internal/commander"
)

// startTyping shows the typing indicator right away and refreshes it every
// interval until the returned stop function is called. Telegram hides the
// indicator after about five seconds. Failures are logged and ignored.
// stop waits for the refresh goroutine and may be called more than once.
func startTyping(ctx context.Context, sender cmdpkg.Sender, chatID int64, interval time.Duration, log *zap.Logger) func() {
	done := make(chan struct{})
	exited := make(chan struct{})

	send := func() {
		if err := sender.SendTyping(ctx, chatID); err != nil {
			log.Debug("typing indicator failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		send()
		for {
			select {
			case <-ticker.C:
				send()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

package knx

import (
	"context"
	"sync"
	"time"
)

// HeartbeatScheduler drives periodic CONNECTIONSTATE_REQUESTs while a
// tunnel is connected, following the teacher's health-reporter
// ticker-loop shape: a time.Ticker, a done channel, and sync.Once
// shutdown.
type HeartbeatScheduler struct {
	interval time.Duration
	send     func(ctx context.Context) error

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewHeartbeatScheduler creates a scheduler that calls send every
// interval until Stop is called. send is typically Client.SendHeartbeat.
func NewHeartbeatScheduler(interval time.Duration, send func(ctx context.Context) error, logger Logger) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		interval: interval,
		send:     send,
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start begins the ticker loop in a background goroutine.
func (h *HeartbeatScheduler) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop halts the ticker loop and waits for it to exit. Safe to call more
// than once.
func (h *HeartbeatScheduler) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

func (h *HeartbeatScheduler) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.send(ctx); err != nil && h.logger != nil {
				h.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

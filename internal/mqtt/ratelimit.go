package mqtt

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// messageRateLimiter caps inbound device messages per interval across
// the whole bridge, so a misbehaving node cannot flood the mesh through
// the broker. Allowed messages touch only atomics; a drop also records
// the sending device so the periodic warning can name it.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	offenders map[string]int64
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:     limit,
		interval:  interval,
		logger:    logger,
		offenders: make(map[string]int64),
	}
}

// start closes an accounting window at each interval until ctx is
// cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

// reset starts a new window and warns about the one that ended if it
// dropped anything.
func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)

	r.mu.Lock()
	offenders := r.offenders
	r.offenders = make(map[string]int64)
	r.mu.Unlock()

	if dropped == 0 {
		return
	}
	devices := make([]string, 0, len(offenders))
	for id := range offenders {
		devices = append(devices, id)
	}
	slices.Sort(devices)
	r.logger.Warn("mqtt device messages dropped due to rate limit",
		"received", count,
		"dropped", dropped,
		"devices", devices,
		"interval", r.interval.String(),
		"limit", r.limit,
	)
}

// allow counts one message from deviceID and reports whether it fits
// in the current window.
func (r *messageRateLimiter) allow(deviceID string) bool {
	if r.count.Add(1) <= r.limit {
		return true
	}
	r.dropped.Add(1)
	r.mu.Lock()
	r.offenders[deviceID]++
	r.mu.Unlock()
	return false
}

// droppedBy reports how many messages from deviceID were dropped in the
// current window.
func (r *messageRateLimiter) droppedBy(deviceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offenders[deviceID]
}

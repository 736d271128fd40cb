package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Sender delivers one rendered message. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Config controls which runs are reported and how fast messages go out.
type Config struct {
	Enabled bool
	// MinStatus is a run status name; runs at least this severe are
	// reported. Empty means RunFailed.
	MinStatus     string
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// Identical texts within DedupWindow are sent once. 0 disables dedup.
	DedupWindow time.Duration
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}

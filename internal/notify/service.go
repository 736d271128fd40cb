package notify

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dbflow/internal/eventbus"
	"dbflow/internal/model"
	rtsup "dbflow/internal/runtime/supervisor"
	"dbflow/pkg/logx"
)

// Service is a single-worker notification pipeline: queue, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg       Config
	minStatus model.Status
	limiter   *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan string
	sup       *rtsup.Supervisor
	unsub     func()

	// text -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

const (
	historySize     = 100
	dedupMaxEntries = 1000
	sendTimeout     = 10 * time.Second
)

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notify")),
		sender: sender,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	if err := s.applyLocked(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps thresholds and limits. Enabling or disabling takes effect on
// the next Start.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(cfg)
}

// SetSender replaces the delivery backend. Messages already queued go to
// the new sender.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) error {
	min := model.RunFailed
	if strings.TrimSpace(cfg.MinStatus) != "" {
		st, err := model.ParseStatus(cfg.MinStatus)
		if err != nil {
			return fmt.Errorf("notify: min_status: %w", err)
		}
		min = st
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	s.minStatus = min
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	return nil
}

// Wants reports whether a run that ended with st should be reported.
func (s *Service) Wants(st model.Status) bool {
	s.mu.Lock()
	min := s.minStatus
	s.mu.Unlock()
	return st.Terminal() && st.Severity() >= min.Severity()
}

// Start subscribes to the bus and starts the sender. It is a no-op when the
// service is disabled, has no sender, or is already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	q := make(chan string, s.cfg.QueueSize)
	events, unsub := s.bus.Subscribe(64, eventbus.RunRecorded)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Alerts are best effort; a failing sender must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	s.queue, s.unsub, s.sup = q, unsub, sup
	s.accepting = true
	s.mu.Unlock()

	sup.GoRestart("events", func(c context.Context) error { return s.eventLoop(c, events) }, time.Second, 30*time.Second)
	sup.GoRestart("sender", func(c context.Context) error { return s.workerLoop(c, q) }, time.Second, 30*time.Second)
	s.log.Info("notify started")
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	unsub()
	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("notify stopped before queue drained", logx.Int("pending", len(q)))
	}

	s.mu.Lock()
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	s.log.Info("notify stopped")
}

// Notify queues text for delivery.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && !s.dedupAllow(text, window) {
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendAlert implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.Notify(ctx, text)
}

// History returns recent delivery attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := ev.Data.(model.RunRecord)
			if !ok || !s.Wants(rec.Status) {
				continue
			}
			if err := s.Notify(ctx, FormatRun(rec)); err != nil {
				s.log.Debug("run alert dropped", logx.RunID(rec.ID), logx.Err(err))
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, text)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		s.appendHistory(text, ErrDisabled)
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		lastErr = sender.Send(callCtx, text)
		cancel()
		if lastErr == nil {
			s.appendHistory(text, nil)
			return
		}
		// Never above debug: a failing sender must not feed the alert sink.
		s.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.appendHistory(text, lastErr)
}

func (s *Service) appendHistory(text string, err error) {
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if len(s.dedup) >= dedupMaxEntries {
		// Evict the entry closest to expiry.
		var oldest string
		var at time.Time
		for k, until := range s.dedup {
			if oldest == "" || until.Before(at) {
				oldest, at = k, until
			}
		}
		delete(s.dedup, oldest)
	}
	s.dedup[text] = now.Add(window)
	return true
}

// retryDelay is the jittered exponential delay before attempt+1.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

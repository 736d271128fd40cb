package notify

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dbflow/internal/eventbus"
	"dbflow/internal/model"
	"dbflow/pkg/logx"
)

type chanSender chan string

func (c chanSender) Send(_ context.Context, text string) error {
	c <- text
	return nil
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for message")
		return ""
	}
}

func started(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s, err := New(cfg, sender, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestRunRecordedAlertsAboveThreshold(t *testing.T) {
	bus := eventbus.New()
	out := make(chanSender, 8)
	started(t, Config{}, out, bus)

	now := time.Now()
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: model.RunRecord{ID: 1, Job: "x", Status: model.RunFailed}})
	bus.Publish(eventbus.Event{Type: eventbus.RunRecorded, Data: model.RunRecord{ID: 2, Job: "ok", Status: model.RunSucceeded, Start: now, End: now}})
	bus.Publish(eventbus.Event{Type: eventbus.RunRecorded, Data: model.RunRecord{ID: 3, Job: "load", Status: model.RunFailed, Start: now, End: now.Add(time.Second), Message: "extract: boom"}})

	got := recv(t, out)
	if !strings.HasPrefix(got, "[RunFailed] load #3") || !strings.Contains(got, "extract: boom") {
		t.Fatalf("unexpected alert %q", got)
	}
	select {
	case extra := <-out:
		t.Fatalf("unexpected second alert %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWantsFollowsSeverity(t *testing.T) {
	s, err := New(Config{MinStatus: "runterminated"}, nil, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cases := map[model.Status]bool{
		model.RunSucceeded:       false,
		model.RunInProgress:      false,
		model.NotRun:             false,
		model.RunTerminated:      true,
		model.ControllerShutdown: true,
		model.RunFailed:          true,
		model.ParseFailed:        true,
	}
	for st, want := range cases {
		if got := s.Wants(st); got != want {
			t.Fatalf("Wants(%s) = %v, want %v", st, got, want)
		}
	}
	if _, err := New(Config{MinStatus: "Broken"}, nil, logx.Nop(), nil); err == nil {
		t.Fatalf("expected error for unknown min_status")
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	out := make(chanSender, 8)
	s := started(t, Config{DedupWindow: time.Minute}, out, nil)
	ctx := context.Background()
	for _, text := range []string{"disk full", "disk full", "load late"} {
		if err := s.Notify(ctx, text); err != nil {
			t.Fatalf("notify %q: %v", text, err)
		}
	}
	if got := recv(t, out); got != "disk full" {
		t.Fatalf("first = %q", got)
	}
	if got := recv(t, out); got != "load late" {
		t.Fatalf("second = %q", got)
	}
}

func TestRetryRecordsHistory(t *testing.T) {
	var calls atomic.Int32
	sender := SenderFunc(func(context.Context, string) error {
		if calls.Add(1) == 1 {
			return errors.New("flaky")
		}
		return nil
	})
	s := started(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sender, nil)
	if err := s.SendAlert(context.Background(), "[ERROR] store unavailable"); err != nil {
		t.Fatalf("send alert: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(s.History()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no history after retry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h := s.History()
	if h[0].Err != "" || h[0].Text != "[ERROR] store unavailable" || calls.Load() != 2 {
		t.Fatalf("history %+v after %d calls", h, calls.Load())
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	out := make(chanSender, 8)
	s, err := New(Config{Enabled: true, RatePerSec: 1000}, out, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Notify(context.Background(), "early"); !errors.Is(err, ErrStopped) {
		t.Fatalf("notify before start = %v", err)
	}
	s.Start(context.Background())
	_ = s.Notify(context.Background(), "one")
	_ = s.Notify(context.Background(), "two")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if len(out) != 2 {
		t.Fatalf("drained %d messages, want 2", len(out))
	}
	if err := s.Notify(context.Background(), "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("notify after stop = %v", err)
	}

	off, _ := New(Config{}, out, logx.Nop(), nil)
	if err := off.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled notify = %v", err)
	}
}

func TestFormatRun(t *testing.T) {
	start := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	got := FormatRun(model.RunRecord{ID: 7, Job: "nightly", Status: model.ControllerShutdown, Start: start, End: start.Add(1500 * time.Millisecond), Message: "abandoned"})
	want := "[ControllerShutdown] nightly #7\nelapsed: 1.5s\nended: 2024-03-01T02:00:01Z\nabandoned"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
	long := FormatRun(model.RunRecord{Job: "x", Status: model.RunFailed, Message: strings.Repeat("e", 5000)})
	if len(long) != maxMessageLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("long message not truncated: %d", len(long))
	}
}

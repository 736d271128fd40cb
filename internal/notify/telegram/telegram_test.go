package telegram

import (
	"context"
	"testing"
)

func TestNewValidatesConfig(t *testing.T) {
	for name, cfg := range map[string]Config{
		"no token": {ChatID: 1, Offline: true},
		"no chat":  {Token: "123:abc", Offline: true},
	} {
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSendHonoursCancelledContext(t *testing.T) {
	s, err := New(Config{Token: "123:abc", ChatID: -100, ThreadID: 7, Offline: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "hello"); err == nil {
		t.Fatalf("expected context error")
	}
}

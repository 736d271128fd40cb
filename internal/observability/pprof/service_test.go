package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"dbflow/pkg/logx"
)

func startServer(t *testing.T, cfg Config, status StatusFunc) (*Service, string) {
	t.Helper()
	s := New(cfg, logx.Nop(), status)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("server not ready")
	}
	return s, "http://" + s.Addr()
}

func get(t *testing.T, url, token string) (int, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestStatusServesProviderJSON(t *testing.T) {
	status := func(context.Context) any {
		return map[string]any{"running": 2, "jobs": []string{"load"}}
	}
	_, base := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, status)

	code, body := get(t, base+"/status", "")
	if code != http.StatusOK {
		t.Fatalf("status code %d: %s", code, body)
	}
	var got struct {
		Running int      `json:"running"`
		Jobs    []string `json:"jobs"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if got.Running != 2 || len(got.Jobs) != 1 || got.Jobs[0] != "load" {
		t.Fatalf("unexpected status %+v", got)
	}
	if code, _ := get(t, base+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("healthz code %d", code)
	}
	if code, _ := get(t, base+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof index code %d", code)
	}
}

func TestTokenIsRequiredWhenSet(t *testing.T) {
	_, base := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, nil)
	if code, _ := get(t, base+"/status", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: code %d", code)
	}
	if code, _ := get(t, base+"/status", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code %d", code)
	}
	if code, _ := get(t, base+"/status", "s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token: code %d", code)
	}
	if code, _ := get(t, base+"/status?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token: code %d", code)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil)
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("start = %v, want ErrInsecureBind", err)
	}
	if s.Addr() != "" {
		t.Fatalf("server should not be running")
	}
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestReconfigureStopsWhenDisabled(t *testing.T) {
	s, base := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Enabled() || s.Addr() != "" {
		t.Fatalf("server still enabled at %q", s.Addr())
	}
	client := &http.Client{Timeout: 500 * time.Millisecond}
	if resp, err := client.Get(base + "/healthz"); err == nil {
		resp.Body.Close()
		t.Fatalf("server still answering")
	}
}

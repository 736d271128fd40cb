package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards records at or above MinLevel to an AlertSender.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers one rendered record to operators. It must be safe
// for concurrent use.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	defaultLogPath   = "./dbflow.log"
	alertQueueLen    = 128
	alertSendTimeout = 10 * time.Second
	timeFormat       = "2006-01-02T15:04:05.000Z07:00"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Service owns the process-wide sinks. Loggers handed out by it pick up
// level and sink changes made by Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	filePath string
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	pump     context.CancelFunc
	pumpDone chan struct{}

	alerts  chan string
	dropped atomic.Int64
}

// New builds a Service from cfg. sender may be nil, in which case alert
// records are rendered and discarded.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	setGlobals()
	s := &Service{sender: sender, alerts: make(chan string, alertQueueLen)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger {
	return Logger{src: func() zerolog.Logger { return *s.root.Load() }}
}

func (s *Service) SetAlertSender(sender AlertSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// DroppedAlerts counts alert records lost to a full queue.
func (s *Service) DroppedAlerts() int64 { return s.dropped.Load() }

// Apply rebuilds the sink set. The log file is kept open when its path
// is unchanged.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Alert.MinLevel, zerolog.ErrorLevel)
	rps := max(1, cfg.Alert.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, newConsoleWriter(stdout))
	}
	if cfg.File.Enabled {
		if f := s.openFileLocked(cfg.File.Path); f != nil {
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	} else {
		s.closeFileLocked()
	}
	if cfg.Alert.Enabled {
		s.startPumpLocked()
		sinks = append(sinks, alertSink{s})
	}
	if len(sinks) == 0 {
		sinks = append(sinks, newConsoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) openFileLocked(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogPath
	}
	if s.file != nil && s.filePath == path {
		return s.file
	}
	s.closeFileLocked()
	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(stderr, "logx: open %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return f
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

func (s *Service) startPumpLocked() {
	if s.pump != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pump = cancel
	s.pumpDone = make(chan struct{})
	go s.pumpAlerts(ctx, s.pumpDone)
}

func (s *Service) pumpAlerts(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.alerts:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

// Close stops alert delivery and closes the log file. Records logged
// afterwards still reach the console sink if one is configured.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel, done := s.pump, s.pumpDone
	s.pump, s.pumpDone = nil, nil
	s.closeFileLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// alertSink is the zerolog writer that feeds the alert queue.
type alertSink struct{ s *Service }

func (a alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := a.s
	s.mu.Lock()
	lim, min := s.limiter, s.minLevel
	s.mu.Unlock()

	if level == zerolog.NoLevel || level < min || !lim.Allow() {
		return len(p), nil
	}
	text := FormatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.alerts <- text:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}

package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"strconv"
	"sync"
	"time"

	"dbflow/pkg/logx"
)

const (
	defaultDebounce  = 250 * time.Millisecond
	validatorTimeout = 5 * time.Second
)

// ConfigManager owns the committed config and hands accepted reloads to
// subscribers.
type ConfigManager struct {
	path     string
	debounce time.Duration

	mu        sync.RWMutex
	cfg       *Config
	committed uint64 // fingerprint of cfg
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		debounce: defaultDebounce,
		log:      logx.Nop(),
		subs:     make(map[chan *Config]struct{}),
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs a check that a reloaded config must pass, after
// Config.Validate, before it is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file without validating or committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	fp := cfg.fingerprint()
	m.mu.Lock()
	m.cfg, m.committed = cfg, fp
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload commits and publishes the file when its content differs from the
// committed config and it passes validation. It reports whether anything
// was published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	fp := cfg.fingerprint()
	m.mu.RLock()
	same := fp != 0 && fp == m.committed
	check, log := m.validator, m.log
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if check != nil {
		vctx, cancel := context.WithTimeout(ctx, validatorTimeout)
		err := check(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.String("path", m.path), logx.String("fingerprint", strconv.FormatUint(fp, 16)))
	return true, nil
}

// Subscribe returns a channel that always holds the newest published
// config not yet received. Intermediate configs are skipped.
func (m *ConfigManager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		// Only publish sends, and it holds subMu, so the slot is free
		// after the drain.
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// fingerprint identifies c by content. Zero means it could not be computed.
func (c *Config) fingerprint() uint64 {
	b, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

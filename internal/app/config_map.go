package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"dbflow/internal/config"
	"dbflow/internal/notify"
	"dbflow/internal/notify/telegram"
	"dbflow/internal/observability/pprof"
	"dbflow/internal/orchestrator"
	"dbflow/internal/runmgr"
	"dbflow/internal/storage"
	"dbflow/pkg/logx"
)

// Config is the daemon configuration file.
type Config = config.Config

func mapLoggingConfig(cfg *Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

// mapStorageConfig reports enabled=false when no driver is configured.
func mapStorageConfig(cfg *Config) (sc storage.Config, enabled bool, err error) {
	if cfg.Storage == nil {
		return sc, false, nil
	}
	d, err := storage.ParseDriver(cfg.Storage.Driver)
	if err != nil || d == storage.DriverNone {
		return sc, false, err
	}
	sc = storage.Config{Driver: string(d), Path: strings.TrimSpace(cfg.Storage.Path)}
	if d.NeedsPath() && sc.Path == "" {
		return sc, false, fmt.Errorf("storage.path is required when storage.driver=%s", d)
	}
	if d == storage.DriverSQLite {
		if sc.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second); err != nil {
			return sc, false, err
		}
	}
	return sc, true, nil
}

func mapRunManagerConfig(cfg *Config) (runmgr.Config, error) {
	rm := cfg.RunManager
	out := runmgr.Config{
		Workers:             rm.Workers,
		QueueSize:           rm.QueueSize,
		HistorySize:         rm.HistorySize,
		CircuitTripFailures: rm.CircuitTripFailures,
	}
	var err error
	if out.ShutdownGrace, err = config.ParseDurationField("run_manager.shutdown_grace", rm.ShutdownGrace); err != nil {
		return out, err
	}
	if out.CircuitBaseDelay, err = config.ParseDurationField("run_manager.circuit_base_delay", rm.CircuitBaseDelay); err != nil {
		return out, err
	}
	if out.CircuitMaxDelay, err = config.ParseDurationField("run_manager.circuit_max_delay", rm.CircuitMaxDelay); err != nil {
		return out, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("run_manager.circuit_reset_after", rm.CircuitResetAfter); err != nil {
		return out, err
	}
	return out, nil
}

func mapOrchestratorConfig(cfg *Config) (orchestrator.Config, error) {
	oc := cfg.Orchestrator
	out := orchestrator.Config{
		Enabled:  oc.IsEnabled(),
		Timezone: strings.TrimSpace(oc.Timezone),
	}
	var err error
	if out.UnavailableBackoff, err = config.ParseDurationField("orchestrator.unavailable_backoff", oc.UnavailableBackoff); err != nil {
		return out, err
	}
	if out.MaxBackoff, err = config.ParseDurationField("orchestrator.max_backoff", oc.MaxBackoff); err != nil {
		return out, err
	}
	if out.Refresh, err = config.ParseDurationField("orchestrator.refresh", oc.Refresh); err != nil {
		return out, err
	}
	return out, nil
}

// mapNotifyConfig maps the notify section. An omitted section means
// disabled.
func mapNotifyConfig(cfg *Config) (notify.Config, telegram.Config, error) {
	nc := cfg.Notify
	if nc == nil {
		return notify.Config{}, telegram.Config{}, nil
	}
	out := notify.Config{
		Enabled:    nc.Enabled,
		MinStatus:  strings.TrimSpace(nc.MinStatus),
		QueueSize:  nc.QueueSize,
		RatePerSec: nc.RatePerSec,
		RetryMax:   nc.RetryMax,
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 500*time.Millisecond); err != nil {
		return out, telegram.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 10*time.Second); err != nil {
		return out, telegram.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notify.dedup_window", nc.DedupWindow, time.Minute); err != nil {
		return out, telegram.Config{}, err
	}
	tc := telegram.Config{
		Token:    strings.TrimSpace(nc.Telegram.Token),
		ChatID:   nc.Telegram.ChatID,
		ThreadID: nc.Telegram.ThreadID,
	}
	return out, tc, nil
}

// mapPprofConfig validates and converts the config into the service config.
// It never starts the server.
func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	var out pprof.Config
	pc := cfg.Pprof

	out.Enabled = pc.Enabled
	out.AllowInsecure = pc.AllowInsecure
	out.Token = strings.TrimSpace(pc.Token)
	out.Addr = strings.TrimSpace(pc.Addr)
	out.Prefix = strings.TrimSpace(pc.Prefix)
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps /profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if pc.MutexProfileFraction < 0 || pc.BlockProfileRate < 0 || pc.MemProfileRate < 0 {
		return out, fmt.Errorf("pprof: profile rates must be >= 0")
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
	}
	return out, nil
}

// checkMappable runs every mapper so a reload is rejected before any
// component sees it.
func checkMappable(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRunManagerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOrchestratorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	_, err := mapPprofConfig(cfg)
	return err
}

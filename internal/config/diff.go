package config

import (
	"reflect"
	"sort"
	"strings"

	"dbflow/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.RunManager != newCfg.RunManager {
		rm := newCfg.RunManager
		changed = append(changed, "run_manager")
		attrs = append(attrs,
			logx.Int("run_manager.workers", rm.Workers),
			logx.Int("run_manager.queue_size", rm.QueueSize),
			logx.Int("run_manager.history_size", rm.HistorySize),
			logx.Int("run_manager.circuit_trip_failures", rm.CircuitTripFailures),
		)
	}

	oo, no := oldCfg.Orchestrator, newCfg.Orchestrator
	if oo.IsEnabled() != no.IsEnabled() ||
		strings.TrimSpace(oo.Timezone) != strings.TrimSpace(no.Timezone) ||
		oo.UnavailableBackoff != no.UnavailableBackoff ||
		oo.MaxBackoff != no.MaxBackoff ||
		oo.Refresh != no.Refresh ||
		oo.ScriptDir != no.ScriptDir ||
		oo.MaxNesting != no.MaxNesting {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.Bool("orchestrator.enabled", no.IsEnabled()),
			logx.String("orchestrator.timezone", strings.TrimSpace(no.Timezone)),
			logx.String("orchestrator.script_dir", no.ScriptDir),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oldCfg.Storage.driver() != newCfg.Storage.driver() ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.driver()),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	var oN, nN NotifyConfig
	if oldCfg.Notify != nil {
		oN = *oldCfg.Notify
	}
	if newCfg.Notify != nil {
		nN = *newCfg.Notify
	}
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Telegram.Token) != ""),
			logx.Int64("notify.chat_id", nN.Telegram.ChatID),
			logx.String("notify.min_status", nN.MinStatus),
			logx.Int("notify.rate_per_sec", nN.RatePerSec),
		)
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	op.Token, np.Token = tokenMark(op.Token), tokenMark(np.Token)
	if op != np {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", np.Token != ""),
			logx.Bool("pprof.allow_insecure", np.AllowInsecure),
		)
	}

	if names := diffNamed(oldCfg.Schedules, newCfg.Schedules, func(s ScheduleConfig) string { return s.Name }); len(names) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Any("schedules.changed", names))
	}
	if names := diffNamed(oldCfg.Jobs, newCfg.Jobs, func(j JobConfig) string { return j.Name }); len(names) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Any("jobs.changed", names))
	}

	sort.Strings(changed)
	return changed, attrs
}

func tokenMark(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

// diffNamed lists names added, removed or modified between two seed lists.
func diffNamed[T any](oldL, newL []T, name func(T) string) []string {
	oldM := make(map[string]T, len(oldL))
	for _, v := range oldL {
		oldM[strings.TrimSpace(name(v))] = v
	}
	newM := make(map[string]T, len(newL))
	for _, v := range newL {
		newM[strings.TrimSpace(name(v))] = v
	}
	var out []string
	for n, nv := range newM {
		if ov, ok := oldM[n]; !ok || !reflect.DeepEqual(ov, nv) {
			out = append(out, n)
		}
	}
	for n := range oldM {
		if _, ok := newM[n]; !ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

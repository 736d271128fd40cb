package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"dbflow/pkg/logx"
)

const (
	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file after it changes until ctx is done. Bursts of
// events within the debounce window cause one reload. A broken watcher is
// recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	m.mu.RLock()
	log := m.log.With(logx.String("dir", dir), logx.String("file", file))
	m.mu.RUnlock()

	retry := watchRetryBase
	for {
		w, err := newDirWatcher(dir)
		if err == nil {
			retry = watchRetryBase
			log.Debug("config watcher started")
			m.watch(ctx, w, file, log)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("config watcher stopped; restarting")
		} else {
			log.Warn("config watcher unavailable", logx.Err(err))
		}

		delay := retry + time.Duration(rand.Int64N(int64(retry/2)+1))
		retry = min(2*retry, watchRetryMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors often replace the file by rename.
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watch runs one watcher until ctx is done or the watcher closes.
func (m *ConfigManager) watch(ctx context.Context, w *fsnotify.Watcher, file string, log logx.Logger) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	arm := func() { timer.Reset(m.debounce) }

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			published, err := m.Reload(ctx)
			switch {
			case err != nil:
				log.Warn("config rejected", logx.Err(err))
			case !published:
				log.Debug("config unchanged")
			}
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&watchedOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; reloading", logx.Err(err))
				arm()
			} else if err != nil {
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

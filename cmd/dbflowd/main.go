// Command dbflowd runs the scheduler daemon: it seeds jobs and schedules
// from the config file, fires them on their recurrences, and records every
// run. SIGHUP reloads the config; SIGINT and SIGTERM stop gracefully.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dbflow/internal/app"
)

func main() {
	var cfgPath string
	var stopTimeout time.Duration
	flag.StringVar(&cfgPath, "config", "./dbflow.yaml", "path to config yaml/json")
	flag.DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}
	notify(daemon.SdNotifyReady)
	go watchdog(ctx)

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				notify(daemon.SdNotifyReloading)
				rctx, rcancel := context.WithTimeout(ctx, 10*time.Second)
				if _, err := a.Reload(rctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload rejected:", err)
				}
				rcancel()
				notify(daemon.SdNotifyReady)
			case syscall.SIGINT:
				reason = app.StopSIGINT
				break loop
			default:
				reason = app.StopSIGTERM
				break loop
			}
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	notify(daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	_ = a.Stop(stopCtx, reason)
	stopCancel()
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}

// notify is a no-op outside systemd.
func notify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(daemon.SdNotifyWatchdog)
		}
	}
}

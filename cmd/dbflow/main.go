// Command dbflow runs one script, optionally on a recurrence, and exits 0 on
// success or 1 on any load or run failure.
//
//	dbflow [flags] <script> [args...]
//	dbflow --check load.yaml
//	dbflow --schedule:nightly --config dbflow.yaml load.yaml full
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dbflow/internal/config"
	"dbflow/internal/graph"
	"dbflow/internal/model"
	"dbflow/internal/recurrence"
	"dbflow/internal/script"
	"dbflow/pkg/logx"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stderr, logx.NewConsole))
}

type options struct {
	config   string
	props    string
	check    bool
	schedule string
	logLevel string
	script   string
	args     []string
}

// normalizeArgs rewrites "--schedule:<name>" into a form flag understands.
// Arguments after "--" are left alone.
func normalizeArgs(argv []string) []string {
	out := make([]string, 0, len(argv))
	for i, a := range argv {
		if a == "--" {
			return append(out, argv[i:]...)
		}
		for _, p := range []string{"--schedule:", "-schedule:"} {
			if strings.HasPrefix(a, p) {
				a = "-schedule=" + strings.TrimPrefix(a, p)
				break
			}
		}
		out = append(out, a)
	}
	return out
}

func parseOptions(argv []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("dbflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.config, "config", "", "path to config yaml/json (schedules, script_dir, logging)")
	fs.StringVar(&o.props, "props", "", "property file with connections and vars")
	fs.BoolVar(&o.check, "check", false, "validate the script and exit without running it")
	fs.StringVar(&o.schedule, "schedule", "", "run repeatedly under a named schedule or recurrence text")
	fs.StringVar(&o.logLevel, "log-level", "", "trace|debug|info|warn|error")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: dbflow [flags] <script> [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(argv)); err != nil {
		return o, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return o, errors.New("script is required")
	}
	o.script = fs.Arg(0)
	o.args = fs.Args()[1:]
	return o, nil
}

func run(ctx context.Context, argv []string, stderr io.Writer, newLog func(level string) logx.Logger) int {
	o, err := parseOptions(argv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "dbflow:", err)
		return 1
	}

	var cfg *config.Config
	if o.config != "" {
		if cfg, err = config.NewConfigManager(o.config).Load(); err != nil {
			fmt.Fprintln(stderr, "dbflow:", err)
			return 1
		}
	} else {
		cfg = &config.Config{}
	}
	level := o.logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	log := newLog(level).With(logx.String("comp", "dbflow"))

	pool := script.NewPool(log.With(logx.String("comp", "sql")))
	defer pool.Close()
	c := &script.Compiler{Pool: pool, Log: log.With(logx.String("comp", "script")), MaxNesting: cfg.Orchestrator.MaxNesting}

	if o.check {
		_, _, s, err := c.Prepare(o.script, o.props, o.args)
		if err != nil {
			log.Error("script check failed", logx.String("script", o.script), logx.Err(err))
			return 1
		}
		log.Info("script ok", logx.String("script", o.script), logx.String("name", s.Name), logx.Int("tasks", len(s.Tasks)))
		return 0
	}

	if o.schedule == "" {
		if err := runOnce(ctx, c, o, log); err != nil {
			return 1
		}
		return 0
	}

	rule, err := scheduleRule(cfg, o.schedule)
	if err != nil {
		log.Error("bad schedule", logx.String("schedule", o.schedule), logx.Err(err))
		return 1
	}
	return runScheduled(ctx, c, o, rule, log)
}

// scheduleRule resolves name against the configured schedules, falling back
// to reading it as recurrence text.
func scheduleRule(cfg *config.Config, name string) (recurrence.Rule, error) {
	def := time.Local
	if tz := strings.TrimSpace(cfg.Orchestrator.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		def = loc
	}
	sched := model.Schedule{Name: name, Recurrence: name, Created: time.Now()}
	for _, sc := range cfg.Schedules {
		if strings.EqualFold(strings.TrimSpace(sc.Name), strings.TrimSpace(name)) {
			sched = sc.Model()
			sched.Created = time.Now()
			break
		}
	}
	return sched.Rule(def)
}

func runScheduled(ctx context.Context, c *script.Compiler, o options, rule recurrence.Rule, log logx.Logger) int {
	code, runs := 0, 0
	log.Info("waiting for schedule", logx.String("schedule", o.schedule))
	for {
		ok, err := recurrence.SleepUntilNext(ctx, rule)
		if err != nil {
			log.Info("schedule interrupted", logx.Int("runs", runs))
			return code
		}
		if !ok {
			log.Info("schedule exhausted", logx.Int("runs", runs))
			return code
		}
		runs++
		err = runOnce(ctx, c, o, log)
		if ctx.Err() != nil {
			// An interrupted run ends the loop; it is not a failure.
			log.Info("schedule interrupted", logx.Int("runs", runs))
			return code
		}
		if err != nil {
			code = 1
		}
	}
}

// runOnce loads the script fresh, so edits take effect on the next firing.
func runOnce(ctx context.Context, c *script.Compiler, o options, log logx.Logger) error {
	g, vars, s, err := c.Prepare(o.script, o.props, o.args)
	if err != nil {
		log.Error("script load failed", logx.String("script", o.script), logx.Err(err))
		return err
	}
	start := time.Now()
	eng := graph.New(g, vars, graph.WithLogger(log))
	defer eng.Close()
	res, err := eng.Run(ctx)
	if err != nil {
		log.Error("run failed", logx.String("name", s.Name), logx.Err(err))
		return err
	}
	out := res.Outcome()
	fields := []logx.Field{
		logx.String("name", s.Name),
		logx.String("outcome", out.String()),
		logx.Duration("took", time.Since(start).Round(time.Millisecond)),
	}
	if out != graph.Succeeded {
		msg := res.FirstError()
		if msg == "" {
			msg = out.String()
		}
		log.Error("run finished", append(fields, logx.String("error", msg))...)
		return errors.New(msg)
	}
	log.Info("run finished", fields...)
	return nil
}

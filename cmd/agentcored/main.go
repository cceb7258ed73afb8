// Command agentcored is a small demonstration host for the agentcore
// runtime: it wires the bus, engine registry, session pool manager, and
// priority task manager together, registers the CLI engine when the
// configuration names a CLI command (the Anthropic and OpenAI settings are
// not read), submits one task from the command line, and prints the
// resulting event stream.
//
// The flag/logger/signal-handling shape is grounded on goa-ai's generated
// service main (see _teacher_ref/... example/cmd/assistant/main.go),
// stripped of the HTTP/gRPC server wiring that main.go has no analogue for
// here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/cortexrun/agentcore/bus"
	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/engines/cli"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/pool"
	"github.com/cortexrun/agentcore/task"
	"github.com/cortexrun/agentcore/taskmanager"
	"github.com/cortexrun/agentcore/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "path to a YAML config file (optional)")
		promptF = flag.String("prompt", "say hello", "prompt for the demo task")
		dbgF    = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
		cancel()
	}()

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	b := bus.NewWithHistory(logger, cfg.Bus.MaxHistory)
	reg := engine.NewRegistry(b, logger)
	pools := pool.NewManager(pool.Config{
		MaxPoolSize:              cfg.Pool.MaxPoolSize,
		MaxIdleTime:              cfg.Pool.MaxIdleTime,
		MaxSessionLifetime:       cfg.Pool.MaxSessionLifetime,
		RateLimitTokensPerMinute: cfg.Pool.RateLimitTokensPerMinute,
		Metrics:                  metrics,
	})

	if cfg.Engine.CLICommand != "" {
		eng, err := cli.New(cli.Options{
			ID: "cli", Command: cfg.Engine.CLICommand, Args: cfg.Engine.CLIArgs,
		}, logger)
		if err != nil {
			log.Fatal(ctx, err)
		}
		reg.Register(ctx, eng, engine.RegisterOptions{AutoInitialize: true, AsDefault: true})
	}

	unsub := b.Subscribe(event.TypeWildcard, func(_ context.Context, evt event.Event) {
		log.Print(ctx, log.KV{K: "event", V: string(evt.Type())}, log.KV{K: "session", V: evt.Session()})
	}, bus.Options{})
	defer unsub()

	mgr := taskmanager.New(b, reg, pools, logger, cfg.Queue.MaxParallel)
	defer mgr.Dispose(ctx)

	t := task.Task{ID: "demo-1", Kind: task.KindChat, Input: task.Input{Prompt: *promptF}}
	result, err := mgr.Execute(ctx, t, taskmanager.Options{Priority: taskmanager.PriorityNormal})
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcored:", err)
		os.Exit(1)
	}
	if !result.Success {
		fmt.Fprintln(os.Stderr, "agentcored: task failed:", result.Err)
		os.Exit(1)
	}
	fmt.Println("task completed successfully")
}

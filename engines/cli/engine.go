// Package cli implements engine.Engine by shelling out to an external,
// line-oriented agent process. Stdout is piped line-by-line into the
// stream parser; stdin carries the task prompt.
//
// The exec.CommandContext + StdoutPipe + background read-loop shape is
// grounded on goa-ai's MCP stdio transport (see
// _teacher_ref/... features/mcp/runtime/stdiocaller.go), adapted from an
// RPC framing reader to a line scanner feeding parser.Parser.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/parser"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
	"github.com/cortexrun/agentcore/telemetry"
)

// Options configures the Engine.
type Options struct {
	ID      string // defaults to "cli"
	Name    string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Engine implements engine.Engine by invoking an external CLI agent per
// task and parsing its stdout as a stream of parser-recognized lines.
type Engine struct {
	opts Options
	log  telemetry.Logger
}

// New constructs a CLI engine. opts.Command is required.
func New(opts Options, log telemetry.Logger) (*Engine, error) {
	if opts.Command == "" {
		return nil, errors.New("cli engine: command is required")
	}
	if opts.ID == "" {
		opts.ID = "cli"
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Engine{opts: opts, log: log}, nil
}

func (e *Engine) ID() string { return e.opts.ID }

func (e *Engine) Name() string {
	if e.opts.Name != "" {
		return e.opts.Name
	}
	return "CLI agent (" + e.opts.Command + ")"
}

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		SupportedKinds:     []task.Kind{task.KindChat, task.KindRefactor, task.KindAnalyze, task.KindGenerate},
		Streaming:          true,
		ConcurrentSessions: true,
		TaskAbort:          true,
		Description:        "External line-oriented CLI agent invoked via os/exec.",
		Version:            "v1",
	}
}

// IsAvailable reports whether the command resolves on PATH.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(e.opts.Command)
	return err == nil
}

// CreateSession implements engine.Engine.
func (e *Engine) CreateSession(ctx context.Context, cfg session.Config) (session.Session, error) {
	id := e.opts.ID + "-session"
	if cfg.CorrelationTaskID != "" {
		id = e.opts.ID + "-session-" + cfg.CorrelationTaskID
	}
	return session.NewBase(id, cfg, e.produce), nil
}

func (e *Engine) produce(ctx context.Context, t task.Task, emit func(event.Event)) error {
	cmd := exec.CommandContext(ctx, e.opts.Command, e.opts.Args...)
	if e.opts.Dir != "" {
		cmd.Dir = e.opts.Dir
	}
	if len(e.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), e.opts.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("cli engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cli engine: stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cli engine: start: %w", err)
	}
	if stderr != nil {
		go io.Copy(io.Discard, stderr)
	}

	if _, err := io.WriteString(stdin, t.Input.Prompt+"\n"); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("cli engine: write prompt: %w", err)
	}
	_ = stdin.Close()

	p := parser.New(parser.WithLogger(e.log))
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return ctx.Err()
		default:
		}
		for _, evt := range p.ParseLine(sc.Text()) {
			emit(evt)
		}
	}
	if err := sc.Err(); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("cli engine: read stdout: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("cli engine: process exited: %w", err)
	}
	return nil
}

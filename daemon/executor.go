package daemon

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/sys"
)

// Invocation is one command as handed to a Runner.
type Invocation struct {
	ID     string
	Args   []string
	// Dir is the client's working directory. Runners resolve relative paths
	// against it; the daemon's own working directory is never changed.
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes the CLI for an invocation.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) error

func (f RunnerFunc) Run(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// Outcome classifies a command's captured output.
type Outcome int

const (
	OutcomeSilent Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeError:
		return "error"
	default:
		return "silent"
	}
}

// Classify infers the outcome from command output. Success markers win.
func Classify(output string) Outcome {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(output, "✅") || strings.Contains(lower, "success"):
		return OutcomeSuccess
	case strings.Contains(output, "❌") || strings.Contains(lower, "error"):
		return OutcomeFailure
	}
	return OutcomeSilent
}

// Executor runs commands for the daemon. Commands run concurrently, so the
// requested working directory travels in the Invocation instead of being
// applied to the process, and each command gets its own output buffer.
type Executor struct {
	runner   Runner
	notifier Notifier
	log      logger.Logger
}

func NewExecutor(runner Runner, notifier Notifier, log logger.Logger) *Executor {
	return &Executor{runner: runner, notifier: notifier, log: log}
}

// Execute runs cmd, notifies the user of the outcome and returns it along with
// the captured output.
func (e *Executor) Execute(ctx context.Context, cmd Command) (Outcome, string) {
	var buf bytes.Buffer
	err := e.run(ctx, cmd, &buf)
	output := buf.String()
	log := logger.WithKV(e.log, "id", cmd.ID)

	if err != nil {
		log.Error("command %q failed: %s", strings.Join(cmd.Args, " "), err)
		e.notify(ctx, Notification{Title: "Server Error", Message: err.Error(), Level: LevelFailure})
		return OutcomeError, output
	}
	outcome := Classify(output)
	log.Debug("command %q finished: %s", strings.Join(cmd.Args, " "), outcome)
	switch outcome {
	case OutcomeSuccess:
		e.notify(ctx, Notification{Title: "Command Executed", Message: output, Level: LevelSuccess})
	case OutcomeFailure:
		e.notify(ctx, Notification{Title: "Command Failed", Message: output, Level: LevelFailure})
	}
	return outcome, output
}

func (e *Executor) run(ctx context.Context, cmd Command, out io.Writer) (err error) {
	if cmd.Cwd != "" {
		info, serr := os.Stat(cmd.Cwd)
		if serr != nil {
			return errors.Wrapf(serr, "working directory %s", cmd.Cwd)
		}
		if !info.IsDir() {
			return errors.Newf("working directory %s is not a directory", cmd.Cwd)
		}
	}
	defer sys.RecoverPanic(e.log, func(perr error) { err = perr })

	return e.runner.Run(ctx, Invocation{ID: cmd.ID, Args: cmd.Args, Dir: cmd.Cwd, Stdout: out, Stderr: out})
}

func (e *Executor) notify(ctx context.Context, n Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.Debug("notification failed: %s", err)
	}
}

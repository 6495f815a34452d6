package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/homedeploy/homedeploy/pkg/engine"
)

var (
	markOK   = color.New(color.FgGreen).SprintFunc()
	markFail = color.New(color.FgRed).SprintFunc()
	markSkip = color.New(color.FgYellow).SprintFunc()
	faint    = color.New(color.Faint).SprintFunc()
	bold     = color.New(color.Bold).SprintFunc()
)

// consoleReporter prints one line per stage.
type consoleReporter struct {
	out  io.Writer
	last *engine.Result
}

func newConsoleReporter(out io.Writer) *consoleReporter {
	return &consoleReporter{out: out}
}

func (r *consoleReporter) RunStarted(req *engine.Request) {
	fmt.Fprintf(r.out, "Deploying %s to %s %s\n", bold(req.App), bold(req.Env), faint("("+req.TargetDir+")"))
}

func (r *consoleReporter) StageStarted(engine.Stage) {}

func (r *consoleReporter) StageFinished(report engine.StageReport) {
	switch report.Status {
	case engine.StageStatusSucceeded:
		fmt.Fprintf(r.out, "  %s %-16s %s %s\n", markOK("✓"), report.Stage, report.Message, faint(report.Duration.Round(time.Millisecond).String()))
	case engine.StageStatusSkipped:
		fmt.Fprintf(r.out, "  %s %-16s %s\n", markSkip("-"), report.Stage, faint(report.Message))
	default:
		fmt.Fprintf(r.out, "  %s %-16s %s\n", markFail("✗"), report.Stage, report.Message)
	}
}

func (r *consoleReporter) RunFinished(result *engine.Result) {
	r.last = result
	printResult(r.out, result)
}

// catchUp prints results the pipeline never reported, such as pre-flight
// failures.
func (r *consoleReporter) catchUp(result *engine.Result) {
	if result != r.last {
		printResult(r.out, result)
	}
}

// finish reports result and returns the command error.
func (r *consoleReporter) finish(result *engine.Result) error {
	r.catchUp(result)
	return resultError(result)
}

// printResult prints the final outcome, including captured stderr of a
// failed tool.
func printResult(out io.Writer, result *engine.Result) {
	if result.Succeeded() {
		fmt.Fprintf(out, "%s %s\n", markOK("✓"), result.Message())
		if result.Process != nil {
			fmt.Fprintf(out, "  started %s (pid %d)\n", result.Process.Path, result.Process.PID)
		}
		if result.Snapshot != "" {
			fmt.Fprintf(out, "  snapshot %s\n", result.Snapshot)
		}
		return
	}

	fmt.Fprintf(out, "%s %s\n", markFail("✗"), result.Message())
	var derr *engine.DeployError
	if errors.As(result.Err, &derr) && derr.Stderr != "" {
		for _, line := range strings.Split(strings.TrimRight(derr.Stderr, "\n"), "\n") {
			fmt.Fprintf(out, "  %s\n", faint(line))
		}
	}
}

// resultError turns a failed result into the command error.
func resultError(result *engine.Result) error {
	if result.Succeeded() {
		return nil
	}
	return fmt.Errorf("%s: %w", engine.ClassOf(result.Err), result.Err)
}

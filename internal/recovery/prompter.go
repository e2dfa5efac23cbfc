package recovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// OperatorDecision is the operator's answer to a blocking recovery prompt.
type OperatorDecision int

const (
	OperatorContinue OperatorDecision = iota
	OperatorSkipRemainder
	OperatorAbort
)

// Prompter surfaces a blocking request to a human operator. Prompt honors
// ctx cancellation; the source behavior otherwise waits indefinitely.
type Prompter interface {
	Prompt(ctx context.Context, reason string) (OperatorDecision, error)
}

// StdinPrompter reads operator decisions from an input stream, stdin by
// default.
type StdinPrompter struct {
	In  io.Reader
	Out io.Writer
}

// NewStdinPrompter creates a prompter on stdin/stderr.
func NewStdinPrompter() *StdinPrompter {
	return &StdinPrompter{In: os.Stdin, Out: os.Stderr}
}

// Prompt blocks until the operator answers or ctx is cancelled. The read
// runs on its own goroutine so cancellation unblocks the caller even though
// the underlying read cannot be interrupted.
func (p *StdinPrompter) Prompt(ctx context.Context, reason string) (OperatorDecision, error) {
	fmt.Fprintf(p.Out, "\n*** OPERATOR ACTION REQUIRED ***\n%s\n", reason)
	fmt.Fprintf(p.Out, "  [c] continue  - network conditions changed, re-verify and resume\n")
	fmt.Fprintf(p.Out, "  [s] skip      - mark remaining queries failed and finish\n")
	fmt.Fprintf(p.Out, "  [a] abort     - stop the study\n> ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer)
	go func() {
		scanner := bufio.NewScanner(p.In)
		for scanner.Scan() {
			ch <- answer{line: scanner.Text()}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		ch <- answer{err: err}
	}()

	for {
		select {
		case <-ctx.Done():
			return OperatorAbort, ctx.Err()
		case a := <-ch:
			if a.err != nil {
				return OperatorAbort, fmt.Errorf("read operator input: %w", a.err)
			}
			switch strings.ToLower(strings.TrimSpace(a.line)) {
			case "c", "continue":
				return OperatorContinue, nil
			case "s", "skip":
				return OperatorSkipRemainder, nil
			case "a", "abort":
				return OperatorAbort, nil
			default:
				fmt.Fprintf(p.Out, "unrecognized answer %q; use c, s, or a\n> ", a.line)
			}
		}
	}
}

package bash

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultTimeout bounds command execution when the caller does not set one.
const DefaultTimeout = 30 * time.Second

// outputChunkSize is the largest output slice emitted per BashOutput event.
const outputChunkSize = 16 * 1024

// Executor runs shell commands, recording a BashCommand event followed by
// one or more BashOutput events in the event store. The last output event
// for a command carries the exit code.
type Executor struct {
	store *EventStore
}

// NewExecutor returns an executor writing into the given event store.
func NewExecutor(store *EventStore) *Executor {
	return &Executor{store: store}
}

// Request describes one command execution.
type Request struct {
	Command string
	Cwd     string
	Timeout time.Duration
}

// Result summarizes a finished command.
type Result struct {
	CommandID       string
	Output          string
	ExitCode        int
	TimeoutOccurred bool
}

// Execute runs a command under bash -c, streaming interleaved stdout and
// stderr. Every emitted event is persisted and also passed to onEvent when
// non-nil, in order. The command is killed when the timeout (or ctx)
// expires; the result then reports exit code -1 with the timeout flag set.
func (e *Executor) Execute(ctx context.Context, req Request, onEvent func(*Event)) (*Result, error) {
	if req.Command == "" {
		return nil, errors.New("command must not be empty")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmdEvent := &Event{
		Kind:    KindBashCommand,
		Command: req.Command,
		Cwd:     req.Cwd,
		Timeout: timeout.Seconds(),
	}
	if err := e.emit(cmdEvent, onEvent); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", req.Command)
	cmd.Dir = req.Cwd
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	var collected []byte
	buf := make([]byte, outputChunkSize)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			collected = append(collected, buf[:n]...)
			out := &Event{
				Kind:      KindBashOutput,
				CommandID: cmdEvent.ID,
				Output:    chunk,
			}
			if err := e.emit(out, onEvent); err != nil {
				return nil, err
			}
		}
		if readErr != nil {
			// The pipe closes abruptly when the process is killed on
			// timeout; Wait below sorts out the real outcome.
			break
		}
	}

	waitErr := cmd.Wait()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && !timedOut {
			exitCode = exitErr.ExitCode()
		}
	}

	final := &Event{
		Kind:            KindBashOutput,
		CommandID:       cmdEvent.ID,
		ExitCode:        &exitCode,
		TimeoutOccurred: timedOut,
	}
	if timedOut {
		final.Output = fmt.Sprintf("command timed out after %s", timeout)
	}
	if err := e.emit(final, onEvent); err != nil {
		return nil, err
	}

	return &Result{
		CommandID:       cmdEvent.ID,
		Output:          string(collected),
		ExitCode:        exitCode,
		TimeoutOccurred: timedOut,
	}, nil
}

func (e *Executor) emit(evt *Event, onEvent func(*Event)) error {
	if err := e.store.Append(evt); err != nil {
		return err
	}
	if onEvent != nil {
		onEvent(evt)
	}
	return nil
}

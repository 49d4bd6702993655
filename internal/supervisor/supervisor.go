// Package supervisor starts bot processes in fixed-size batches of
// identities and waits for all of them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pearlbot.ai/internal/observe"
)

const (
	DefaultBatchSize = 50
	DefaultGrace     = 10 * time.Second
)

// Identities returns prefix0 .. prefix(n-1).
func Identities(prefix string, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + strconv.Itoa(i)
	}
	return out
}

// Batches splits ids into consecutive groups of at most size.
func Batches(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

type Batch struct {
	Index      int
	Identities []string
}

// Launcher runs one batch to completion.
type Launcher interface {
	Launch(ctx context.Context, b Batch) (Status, error)
}

type Status string

const (
	StatusOK           Status = "ok"
	StatusFailed       Status = "failed"
	StatusInterrupted  Status = "interrupted"
	StatusLaunchFailed Status = "launch_failed"
)

// BatchError reports the failure of one batch.
type BatchError struct {
	Batch  Batch
	Status Status
	Err    error
}

func (e *BatchError) Error() string {
	ids := e.Batch.Identities
	span := ""
	if len(ids) > 0 {
		span = ids[0] + ".." + ids[len(ids)-1]
	}
	return fmt.Sprintf("batch %d (%s): %s: %v", e.Batch.Index, span, e.Status, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

type Config struct {
	Prefix    string
	Count     int
	BatchSize int
	Launcher  Launcher
	Log       zerolog.Logger
	Metrics   *observe.Metrics
}

// Run launches every batch concurrently and returns once all of them have
// exited. Failures are joined; a cancelled run that stopped cleanly is not
// an error.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Launcher == nil {
		return errors.New("supervisor: no launcher")
	}
	batches := Batches(Identities(cfg.Prefix, cfg.Count), cfg.BatchSize)
	cfg.Log.Info().Int("identities", cfg.Count).Int("batches", len(batches)).Msg("starting batches")

	errs := make([]error, len(batches))
	var g errgroup.Group
	for i, ids := range batches {
		i := i
		b := Batch{Index: i, Identities: ids}
		g.Go(func() error {
			start := time.Now()
			st, err := cfg.Launcher.Launch(ctx, b)
			ev := cfg.Log.Info()
			if err != nil {
				ev = cfg.Log.Error().Err(err)
				errs[i] = &BatchError{Batch: b, Status: st, Err: err}
			}
			ev.Int("batch", b.Index).
				Int("size", len(b.Identities)).
				Str("status", string(st)).
				Dur("ran", time.Since(start)).
				Msg("batch exited")
			if cfg.Metrics != nil {
				cfg.Metrics.RecordChildExit(context.WithoutCancel(ctx), string(st))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ExecLauncher runs `Command Args... id0 id1 ...` for each batch. On
// cancellation the child receives SIGINT and is killed after Grace.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
	Grace   time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

func (l ExecLauncher) Launch(ctx context.Context, b Batch) (Status, error) {
	args := append(append([]string(nil), l.Args...), b.Identities...)
	cmd := exec.CommandContext(ctx, l.Command, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGrace
	}
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return StatusLaunchFailed, err
	}
	err := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return StatusInterrupted, nil
	case err != nil:
		return StatusFailed, err
	}
	return StatusOK, nil
}

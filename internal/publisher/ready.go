package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/retryx"
)

// ReadyConfig controls the container readiness poll.
type ReadyConfig struct {
	InitialDelay time.Duration // default 5s, doubles per round
	MaxDelay     time.Duration // default 20s cap
	Deadline     time.Duration // default 5m hard deadline
}

func (c ReadyConfig) withDefaults() ReadyConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 20 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 5 * time.Minute
	}
	return c
}

var errStillProcessing = errors.New("publisher: container still processing")

// AwaitReady polls the container status until FINISHED. Poll delays double
// from InitialDelay up to MaxDelay. A terminal ERROR fails immediately with
// ErrContainerFailed; exceeding Deadline fails with ErrReadyTimeout.
// Publishing a container without observing readiness first is not allowed.
func AwaitReady(ctx context.Context, api API, containerID string, cfg ReadyConfig) error {
	cfg = cfg.withDefaults()

	pctx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	defer cancel()

	err := retryx.Run(pctx, retryx.Policy{
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		MaxRetries:   1000, // the deadline, not the attempt count, bounds the poll
		RetryIf: func(err error) bool {
			// Probe transport errors are transient too; only a terminal
			// ERROR status escapes the loop.
			return !errors.Is(err, ErrContainerFailed)
		},
	}, func() error {
		st, err := api.ProbeStatus(pctx, containerID)
		if err != nil {
			return err
		}
		switch st {
		case StatusFinished:
			return nil
		case StatusError:
			return fmt.Errorf("%w: container %s", ErrContainerFailed, containerID)
		default:
			return errStillProcessing
		}
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrContainerFailed) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStillProcessing) || pctx.Err() != nil {
		return fmt.Errorf("%w: container %s after %v", ErrReadyTimeout, containerID, cfg.Deadline)
	}
	return err
}

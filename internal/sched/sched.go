// Package sched is a thin scheduler abstraction over robfig/cron: named
// interval and daily triggers with per-schedule overlap skipping. Handlers
// that are still running when their next fire comes due are skipped, not
// queued.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/config"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

type Handler func(ctx context.Context)

type Service struct {
	cron *cron.Cron
	log  logx.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	started bool
}

func New(loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		cron:    cron.New(cron.WithLocation(loc)),
		log:     log,
		entries: map[string]cron.EntryID{},
		ctx:     context.Background(),
	}
}

// AddInterval registers a handler firing every period.
func (s *Service) AddInterval(name string, period time.Duration, fn Handler) error {
	if period <= 0 {
		return fmt.Errorf("sched: %s: period must be > 0", name)
	}
	return s.add(name, fmt.Sprintf("@every %s", period), fn)
}

// AddDaily registers a handler firing once a day at "HH:MM".
func (s *Service) AddDaily(name, clock string, fn Handler) error {
	mins, err := config.ParseClock(clock)
	if err != nil {
		return fmt.Errorf("sched: %s: %w", name, err)
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", mins%60, mins/60), fn)
}

func (s *Service) add(name, spec string, fn Handler) error {
	if fn == nil {
		return fmt.Errorf("sched: %s: nil handler", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("sched: %s: already registered", name)
	}

	var running atomic.Bool
	id, err := s.cron.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			if !s.log.IsZero() {
				s.log.Debug("schedule fire skipped (previous run in progress)", logx.String("name", name))
			}
			return
		}
		defer running.Store(false)

		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("sched: %s: %w", name, err)
	}
	s.entries[name] = id
	if !s.log.IsZero() {
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec))
	}
	return nil
}

// Remove unregisters a schedule. Unknown names are ignored.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins firing schedules. Handlers receive ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx = ctx
	s.started = true
	s.cron.Start()
}

// Stop halts new fires and waits for in-flight handlers, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

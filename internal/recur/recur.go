// Package recur turns config-declared schedules into task records.
//
// Each firing creates a fresh pending record through the store; from the
// scheduler's point of view this is just another external producer.
package recur

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskmill/internal/store"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// Definition is one recurring producer.
type Definition struct {
	Name        string
	Schedule    string // cron spec (5 or 6 fields) or @every descriptor
	HandlerKind string
	Config      map[string]string
	Owner       string
	RetryLimit  int
	Timeout     time.Duration
}

type Service struct {
	log   logx.Logger
	store store.Store

	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	defs []Definition
}

func New(st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("comp", "recur")),
		store:  st,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply swaps the definition set. If the service is running, the cron runtime
// is restarted so removed entries stop firing.
func (s *Service) Apply(defs []Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs = append([]Definition(nil), defs...)
	if s.c == nil {
		return
	}
	s.restartLocked()
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved for future context-driven stop policies

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser))
	s.registerLocked()
	s.c.Start()
	s.log.Info("service started", logx.Int("definitions", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped")
}

func (s *Service) restartLocked() {
	old := s.c
	s.c = cron.New(cron.WithParser(s.parser))
	s.registerLocked()
	if old != nil {
		old.Stop()
	}
	s.c.Start()
}

func (s *Service) registerLocked() {
	for i := range s.defs {
		def := s.defs[i]
		_, err := s.c.AddFunc(def.Schedule, func() { s.fire(def) })
		if err != nil {
			s.log.Warn("invalid schedule; definition skipped",
				logx.String("name", def.Name), logx.String("schedule", def.Schedule), logx.Err(err))
		}
	}
}

func (s *Service) fire(def Definition) {
	rec := task.New(def.HandlerKind)
	rec.Config = def.Config
	rec.Owner = def.Owner
	rec.RetryLimit = def.RetryLimit
	rec.Timeout = def.Timeout

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Create(ctx, rec); err != nil {
		s.log.Warn("failed to create recurring task",
			logx.String("name", def.Name), logx.String("handler", def.HandlerKind), logx.Err(err))
		return
	}
	s.log.Debug("recurring task created",
		logx.String("name", def.Name), logx.Int64("task", rec.ID))
}

package automation

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec; default daily at 12:05 UTC
	Timezone string // IANA TZ; default UTC
}

// Service drives the checker on a fixed cadence. Invocations are serialized:
// if a check is still running when the next tick fires, the tick is skipped.
type Service struct {
	cfg     Config
	checker *Checker
	log     zerolog.Logger
	c       *cron.Cron
}

func NewService(cfg Config, checker *Checker, log zerolog.Logger) *Service {
	return &Service{cfg: cfg, checker: checker, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug().Msg("automation cadence disabled")
		return nil
	}

	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}

	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = "5 12 * * *"
	}

	clog := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := s.c.AddFunc(spec, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	s.c.Start()
	s.log.Info().Str("schedule", spec).Str("tz", loc.String()).Msg("automation cadence started")
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	stopped := s.c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.c = nil
	s.log.Info().Msg("automation cadence stopped")
}

// RunNow triggers a single check outside the cadence (e.g. an admin action).
func (s *Service) RunNow(ctx context.Context) error {
	return s.checker.Check(ctx)
}

func (s *Service) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if err := s.checker.Check(runCtx); err != nil {
		s.log.Error().Err(err).Msg("automation check failed")
	}
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}

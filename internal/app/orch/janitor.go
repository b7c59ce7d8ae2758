package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Janitor periodically sweeps calls whose ring timer was lost and refreshes
// the gauges.
type Janitor struct {
	orch *Orchestrator
	cron *cron.Cron
}

// NewJanitor schedules the sweep every interval.
func NewJanitor(o *Orchestrator, interval time.Duration) (*Janitor, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	c := cron.New(cron.WithLogger(cronLogger{log.Logger.With().Str("module", "orch.janitor").Logger()}))
	j := &Janitor{orch: o, cron: c}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), j.Sweep); err != nil {
		return nil, fmt.Errorf("schedule janitor: %w", err)
	}
	return j, nil
}

// Sweep runs one pass.
func (j *Janitor) Sweep() {
	if n := j.orch.ExpireOverdue(context.Background(), j.orch.now()); n > 0 {
		log.Info().Str("module", "orch.janitor").Int("expired", n).Msg("expired overdue calls")
	}
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop waits for a running sweep to finish or ctx to expire.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

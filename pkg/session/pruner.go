package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultPruneSchedule = "0 3 * * *"
	DefaultMaxAge        = 30 * 24 * time.Hour
	DefaultMaxEntries    = 500
)

// PrunerConfig configures a Pruner
type PrunerConfig struct {
	// Schedule is a five-field cron expression
	Schedule string
	// MaxAge removes sessions not modified for this long. Zero disables it.
	MaxAge time.Duration
	// MaxEntries trims longer sessions to their newest entries. Zero disables it.
	MaxEntries int
	Logger     zerolog.Logger
}

// PruneStats summarises one sweep
type PruneStats struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Trimmed int `json:"trimmed"`
}

// Pruner runs scheduled retention sweeps over a Store
type Pruner struct {
	store      *Store
	schedule   cron.Schedule
	expr       string
	maxAge     time.Duration
	maxEntries int
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPruner validates the schedule and creates a pruner
func NewPruner(store *Store, cfg PrunerConfig) (*Pruner, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultPruneSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.Schedule, err)
	}

	return &Pruner{
		store:      store,
		schedule:   sched,
		expr:       cfg.Schedule,
		maxAge:     cfg.MaxAge,
		maxEntries: cfg.MaxEntries,
		logger:     cfg.Logger.With().Str("component", "session_pruner").Logger(),
		now:        time.Now,
	}, nil
}

// Start schedules sweeps. Calling Start twice is an error.
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pruner is already running")
	}

	p.cron = cron.New()
	p.cron.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.PruneNow(context.Background()); err != nil {
			p.logger.Error().Err(err).Msg("Session prune failed")
		}
	}))
	p.cron.Start()
	p.running = true

	p.logger.Info().
		Str("schedule", p.expr).
		Dur("max_age", p.maxAge).
		Int("max_entries", p.maxEntries).
		Msg("Session pruner started")
	return nil
}

// Stop cancels the schedule and waits for a running sweep. Idempotent.
func (p *Pruner) Stop() {
	p.mu.Lock()
	c := p.cron
	running := p.running
	p.running = false
	p.cron = nil
	p.mu.Unlock()

	if !running {
		return
	}
	<-c.Stop().Done()
	p.logger.Info().Msg("Session pruner stopped")
}

// Running reports whether sweeps are scheduled
func (p *Pruner) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Next returns the next scheduled sweep after t
func (p *Pruner) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// PruneNow runs one sweep immediately
func (p *Pruner) PruneNow(ctx context.Context) (PruneStats, error) {
	ids, err := p.store.List()
	if err != nil {
		return PruneStats{}, fmt.Errorf("failed to list sessions: %w", err)
	}

	var stats PruneStats
	now := p.now()
	for _, id := range ids {
		stats.Scanned++

		info, err := p.store.Stat(ctx, id)
		if err != nil {
			p.logger.Warn().Str("session_id", id).Err(err).Msg("Failed to stat session")
			continue
		}

		if p.maxAge > 0 && now.Sub(info.LastModified) >= p.maxAge {
			if err := p.store.Delete(ctx, id); err != nil {
				p.logger.Warn().Str("session_id", id).Err(err).Msg("Failed to delete session")
				continue
			}
			stats.Deleted++
			continue
		}

		if p.maxEntries > 0 && info.MessageCount > p.maxEntries {
			entries, err := p.store.Load(ctx, id)
			if err != nil {
				p.logger.Warn().Str("session_id", id).Err(err).Msg("Failed to load session")
				continue
			}
			if err := p.store.Replace(ctx, id, entries[len(entries)-p.maxEntries:]); err != nil {
				p.logger.Warn().Str("session_id", id).Err(err).Msg("Failed to trim session")
				continue
			}
			stats.Trimmed++
		}
	}

	if stats.Deleted > 0 || stats.Trimmed > 0 {
		p.logger.Info().
			Int("deleted", stats.Deleted).
			Int("trimmed", stats.Trimmed).
			Msg("Sessions pruned")
	}
	return stats, nil
}

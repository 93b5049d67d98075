package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAllProfilesCoolingDown is returned when every profile is in cooldown.
var ErrAllProfilesCoolingDown = errors.New("all auth profiles are cooling down")

const (
	defaultMaxRetries   = 3
	defaultBaseBackoff  = time.Second
	defaultCooldownUnit = time.Minute
)

// FailoverConfig configures a FailoverReasoner.
type FailoverConfig struct {
	Profiles     []AuthProfile
	Factory      ReasonerFactory
	MaxRetries   int
	BaseBackoff  time.Duration
	CooldownUnit time.Duration
	Logger       zerolog.Logger
}

type profileState struct {
	profile       AuthProfile
	reasoner      NamedReasoner
	failureCount  int
	cooldownUntil time.Time
}

// FailoverReasoner walks auth profiles by priority, retrying retryable
// errors with exponential backoff and cooling a failed profile down for
// CooldownUnit times its failure count.
type FailoverReasoner struct {
	factory      ReasonerFactory
	maxRetries   int
	baseBackoff  time.Duration
	cooldownUnit time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	mu       sync.Mutex
	profiles []*profileState
}

// NewFailoverReasoner creates a failover reasoner.
func NewFailoverReasoner(cfg FailoverConfig) (*FailoverReasoner, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = &ProviderFactory{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.CooldownUnit <= 0 {
		cfg.CooldownUnit = defaultCooldownUnit
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, &profileState{profile: p})
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].profile.Priority < profiles[j].profile.Priority
	})

	return &FailoverReasoner{
		factory:      cfg.Factory,
		maxRetries:   cfg.MaxRetries,
		baseBackoff:  cfg.BaseBackoff,
		cooldownUnit: cfg.CooldownUnit,
		logger:       cfg.Logger.With().Str("component", "reasoner").Logger(),
		now:          time.Now,
		profiles:     profiles,
	}, nil
}

// Provider returns the name of the profile the next Decide would try first.
func (f *FailoverReasoner) Provider() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for _, state := range f.profiles {
		if !now.Before(state.cooldownUntil) {
			return state.profile.Name()
		}
	}
	return f.profiles[0].profile.Name()
}

// Decide tries each available profile in priority order.
func (f *FailoverReasoner) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)

	var lastErr error
	tried := 0

	for _, state := range f.snapshot() {
		name := state.profile.Name()

		if f.coolingDown(state) {
			observability.SetProviderCooldown(name, true)
			logger.Debug().Str("profileId", state.profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(name, false)
		tried++

		reasoner, err := f.reasonerFor(state)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", state.profile.ID).Err(err).Msg("Failed to create reasoner")
			continue
		}

		start := time.Now()
		decision, err := f.decideWithRetry(ctx, reasoner, req)
		if err == nil {
			f.markSuccess(state)
			observability.RecordDecide(name, time.Since(start), true)
			return decision, nil
		}

		lastErr = err
		observability.RecordDecide(name, time.Since(start), false)
		logger.Warn().Str("profileId", state.profile.ID).Err(err).Msg("Auth profile failed")
		f.markFailure(state)

		if ctx.Err() != nil || !IsRetryableError(err) {
			return Decision{}, err
		}
	}

	if tried == 0 {
		return Decision{}, ErrAllProfilesCoolingDown
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return Decision{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *FailoverReasoner) decideWithRetry(ctx context.Context, reasoner NamedReasoner, req DecideRequest) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "ranya.agent", "runtime.decide",
		attribute.String("provider", reasoner.Provider()),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		decision, err := reasoner.Decide(ctx, req)
		if err == nil {
			return decision, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == f.maxRetries-1 {
			break
		}

		delay := f.baseBackoff * time.Duration(1<<attempt)
		f.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			tracing.FailSpan(span, ctx.Err())
			return Decision{}, ctx.Err()
		case <-timer.C:
		}
	}

	tracing.FailSpan(span, lastErr)
	return Decision{}, lastErr
}

func (f *FailoverReasoner) snapshot() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*profileState(nil), f.profiles...)
}

func (f *FailoverReasoner) coolingDown(state *profileState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Before(state.cooldownUntil)
}

func (f *FailoverReasoner) reasonerFor(state *profileState) (NamedReasoner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if state.reasoner != nil {
		return state.reasoner, nil
	}
	r, err := f.factory.NewReasoner(state.profile)
	if err != nil {
		return nil, err
	}
	state.reasoner = r
	return r, nil
}

func (f *FailoverReasoner) markSuccess(state *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state.failureCount = 0
	state.cooldownUntil = time.Time{}
}

func (f *FailoverReasoner) markFailure(state *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state.failureCount++
	state.cooldownUntil = f.now().Add(f.cooldownUnit * time.Duration(state.failureCount))
	observability.SetProviderCooldown(state.profile.Name(), true)
}

package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/rs/zerolog"
)

// Config holds workspace configuration
type Config struct {
	Path               string
	Watch              bool
	StabilityThreshold time.Duration
	MaxSkills          int
	Logger             zerolog.Logger
}

// Workspace serves persona and skills prompts with a change-invalidated cache
type Workspace struct {
	root      string
	watch     bool
	threshold time.Duration
	maxSkills int
	logger    zerolog.Logger

	mu      sync.RWMutex
	loaded  bool
	soul    string
	persona Persona
	skills  []Skill

	watcher *Watcher
}

// New creates a workspace rooted at cfg.Path
func New(cfg Config) (*Workspace, error) {
	if cfg.Path == "" {
		return nil, errors.New("workspace path is required")
	}
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if cfg.MaxSkills <= 0 {
		cfg.MaxSkills = DefaultMaxSkills
	}

	return &Workspace{
		root:      root,
		watch:     cfg.Watch,
		threshold: cfg.StabilityThreshold,
		maxSkills: cfg.MaxSkills,
		logger:    cfg.Logger.With().Str("component", "workspace").Logger(),
	}, nil
}

// Root returns the absolute workspace path
func (w *Workspace) Root() string {
	return w.root
}

// Start creates the root and, when enabled, starts the watcher
func (w *Workspace) Start() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	if !w.watch {
		return nil
	}

	watcher, err := NewWatcher(WatcherConfig{
		Root:               w.root,
		StabilityThreshold: w.threshold,
		Logger:             w.logger,
		OnChange: func(path string) {
			w.logger.Debug().Str("path", path).Msg("Workspace changed")
			w.Invalidate()
		},
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}
	w.watcher = watcher
	return nil
}

// Stop stops the watcher
func (w *Workspace) Stop() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Stop()
}

// Invalidate drops cached content
func (w *Workspace) Invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loaded = false
	w.soul = ""
	w.persona = Persona{}
	w.skills = nil
}

type snapshot struct {
	soul    string
	persona Persona
	skills  []Skill
}

func load(root string) (snapshot, error) {
	var errs []error
	soul, err := loadSoul(root)
	errs = append(errs, err)
	persona, err := LoadPersona(root)
	errs = append(errs, err)
	skills, err := LoadSkills(root)
	errs = append(errs, err)
	return snapshot{soul: soul, persona: persona, skills: skills}, errors.Join(errs...)
}

// snapshot returns content for root, using the cache for the configured root.
func (w *Workspace) snapshot(root string) snapshot {
	if root != "" && filepath.Clean(root) != w.root {
		snap, err := load(root)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", root).Msg("Workspace load incomplete")
		}
		return snap
	}

	w.mu.RLock()
	if w.loaded {
		snap := snapshot{soul: w.soul, persona: w.persona, skills: w.skills}
		w.mu.RUnlock()
		return snap
	}
	w.mu.RUnlock()

	snap, err := load(w.root)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Workspace load incomplete")
	}

	w.mu.Lock()
	w.loaded = true
	w.soul = snap.soul
	w.persona = snap.persona
	w.skills = snap.skills
	w.mu.Unlock()

	w.logger.Debug().Int("skills", len(snap.skills)).Msg("Workspace loaded")
	return snap
}

// Persona returns the current persona overrides
func (w *Workspace) Persona() Persona {
	return w.snapshot("").persona
}

// Skills returns every loaded skill
func (w *Workspace) Skills() []Skill {
	return w.snapshot("").skills
}

// UpdatePersona applies u, persists it and refreshes the cache
func (w *Workspace) UpdatePersona(root string, u PersonaUpdate) (Persona, error) {
	if root == "" {
		root = w.root
	}
	current, err := LoadPersona(root)
	if err != nil {
		return Persona{}, err
	}

	next := current.Apply(u)
	next.UpdatedAt = time.Now().UTC()
	if err := SavePersona(root, next); err != nil {
		return Persona{}, err
	}

	if filepath.Clean(root) == w.root {
		w.Invalidate()
	}
	w.logger.Info().Str("path", root).Msg("Persona updated")
	return next, nil
}

// ResolvePersonaContext renders SOUL.md and persona overrides
func (w *Workspace) ResolvePersonaContext(ctx context.Context, req agent.ContextRequest) (string, error) {
	snap := w.snapshot(req.RunContext.WorkspaceRoot)
	return renderPersona(snap.soul, snap.persona), nil
}

// ResolveSkillsContext renders the skills most relevant to the input
func (w *Workspace) ResolveSkillsContext(ctx context.Context, req agent.ContextRequest) (string, error) {
	snap := w.snapshot(req.RunContext.WorkspaceRoot)
	return renderSkills(SelectSkills(snap.skills, req.Input, w.maxSkills)), nil
}

package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SoulFile    = "SOUL.md"
	PersonaFile = "persona.yaml"
	maxNotes    = 20
)

// Persona holds the adjustable parts of the assistant's persona
type Persona struct {
	// Nickname is what the user calls the assistant
	Nickname string `yaml:"nickname,omitempty" json:"nickname,omitempty"`
	// UserName is how the assistant addresses the user
	UserName  string    `yaml:"user_name,omitempty" json:"user_name,omitempty"`
	Tone      string    `yaml:"tone,omitempty" json:"tone,omitempty"`
	Notes     []string  `yaml:"notes,omitempty" json:"notes,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// IsZero reports whether no override is set
func (p Persona) IsZero() bool {
	return p.Nickname == "" && p.UserName == "" && p.Tone == "" && len(p.Notes) == 0
}

// PersonaUpdate is a partial change. Nil fields are left alone.
type PersonaUpdate struct {
	Nickname   *string
	UserName   *string
	Tone       *string
	AddNotes   []string
	ClearNotes bool
}

// Empty reports whether the update changes nothing
func (u PersonaUpdate) Empty() bool {
	return u.Nickname == nil && u.UserName == nil && u.Tone == nil && len(u.AddNotes) == 0 && !u.ClearNotes
}

// Apply returns p with u applied. Notes are capped to the newest entries.
func (p Persona) Apply(u PersonaUpdate) Persona {
	if u.Nickname != nil {
		p.Nickname = strings.TrimSpace(*u.Nickname)
	}
	if u.UserName != nil {
		p.UserName = strings.TrimSpace(*u.UserName)
	}
	if u.Tone != nil {
		p.Tone = strings.TrimSpace(*u.Tone)
	}
	if u.ClearNotes {
		p.Notes = nil
	}
	for _, note := range u.AddNotes {
		if note = strings.TrimSpace(note); note != "" {
			p.Notes = append(append([]string(nil), p.Notes...), note)
		}
	}
	if len(p.Notes) > maxNotes {
		p.Notes = p.Notes[len(p.Notes)-maxNotes:]
	}
	return p
}

// LoadPersona reads persona.yaml under root. A missing file is a zero Persona.
func LoadPersona(root string) (Persona, error) {
	data, err := os.ReadFile(filepath.Join(root, PersonaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Persona{}, nil
		}
		return Persona{}, fmt.Errorf("failed to read persona: %w", err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("failed to parse %s: %w", PersonaFile, err)
	}
	return p, nil
}

// SavePersona atomically writes persona.yaml under root
func SavePersona(root string, p Persona) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode persona: %w", err)
	}

	target := filepath.Join(root, PersonaFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write persona: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace persona: %w", err)
	}
	return nil
}

func loadSoul(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, SoulFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", SoulFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func renderPersona(soul string, p Persona) string {
	var b strings.Builder
	if soul != "" {
		b.WriteString("# Persona\n")
		b.WriteString(soul)
	}

	if !p.IsZero() {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("# Persona overrides\n")
		if p.Nickname != "" {
			fmt.Fprintf(&b, "- The user calls you %q.\n", p.Nickname)
		}
		if p.UserName != "" {
			fmt.Fprintf(&b, "- Address the user as %q.\n", p.UserName)
		}
		if p.Tone != "" {
			fmt.Fprintf(&b, "- Speak in this tone: %s.\n", p.Tone)
		}
		for _, note := range p.Notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	return strings.TrimSpace(b.String())
}

package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SkillsDir        = "skills"
	SkillFile        = "SKILL.md"
	DefaultMaxSkills = 5
)

var frontMatterDelim = []byte("---")

// Skill is one skills/<dir>/SKILL.md document
type Skill struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	Body        string   `yaml:"-" json:"body"`
	Path        string   `yaml:"-" json:"path"`
}

// ParseSkill splits optional YAML front matter from the markdown body.
// Without a name in the front matter the directory name is used.
func ParseSkill(path string, data []byte) (Skill, error) {
	skill := Skill{Path: path}
	body := data

	trimmed := bytes.TrimLeft(data, "\ufeff \t\r\n")
	if bytes.HasPrefix(trimmed, frontMatterDelim) {
		rest := trimmed[len(frontMatterDelim):]
		end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
		if end < 0 {
			return Skill{}, fmt.Errorf("%s: unterminated front matter", path)
		}
		if err := yaml.Unmarshal(rest[:end], &skill); err != nil {
			return Skill{}, fmt.Errorf("%s: invalid front matter: %w", path, err)
		}
		body = rest[end+1+len(frontMatterDelim):]
	}

	skill.Body = strings.TrimSpace(string(body))
	if skill.Name == "" {
		skill.Name = filepath.Base(filepath.Dir(path))
	}
	return skill, nil
}

// LoadSkills reads every skills/*/SKILL.md under root, sorted by name.
// Unparseable skills are returned in the joined error and skipped.
func LoadSkills(root string) ([]Skill, error) {
	matches, err := filepath.Glob(filepath.Join(root, SkillsDir, "*", SkillFile))
	if err != nil {
		return nil, err
	}

	skills := make([]Skill, 0, len(matches))
	var errs []error
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		skill, err := ParseSkill(path, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		skills = append(skills, skill)
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, errors.Join(errs...)
}

// SelectSkills orders skills by keyword hits against input, most hits
// first, and keeps at most max of them.
func SelectSkills(skills []Skill, input string, max int) []Skill {
	if max <= 0 {
		max = DefaultMaxSkills
	}
	lowered := strings.ToLower(input)

	type scored struct {
		skill Skill
		hits  int
	}
	ranked := make([]scored, 0, len(skills))
	for _, s := range skills {
		hits := 0
		for _, kw := range s.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lowered, kw) {
				hits++
			}
		}
		ranked = append(ranked, scored{skill: s, hits: hits})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].hits > ranked[j].hits })

	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]Skill, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.skill)
	}
	return out
}

func renderSkills(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Skills\nFollow a skill when the request matches it.\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "\n## %s\n", s.Name)
		if s.Description != "" {
			b.WriteString(s.Description)
			b.WriteString("\n")
		}
		if s.Body != "" {
			b.WriteString("\n")
			b.WriteString(s.Body)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

package permission

import (
	"path/filepath"
	"sort"
)

// ShellBins holds the binaries introduced at each level. A level may run the
// binaries of its own tier and of every tier below it.
type ShellBins struct {
	Low    []string `mapstructure:"low" json:"low"`
	Medium []string `mapstructure:"medium" json:"medium"`
	High   []string `mapstructure:"high" json:"high"`
}

// Policy maps permission levels to tool capabilities.
type Policy struct {
	ShellBins ShellBins `mapstructure:"shell_bins" json:"shell_bins"`

	// Memory gates are keyed by exact level, not cumulative.
	MemoryRead  map[string]bool `mapstructure:"memory_read" json:"memory_read"`
	MemoryWrite map[string]bool `mapstructure:"memory_write" json:"memory_write"`
}

// DefaultPolicy returns the built-in capability map.
func DefaultPolicy() Policy {
	return Policy{
		ShellBins: ShellBins{
			Low:    []string{"ls", "cat", "echo", "pwd", "date", "whoami", "head", "tail", "wc"},
			Medium: []string{"grep", "find", "git", "sort", "uniq", "diff", "sed", "awk", "curl"},
			High:   []string{"python3", "node", "npm", "go", "make", "cp", "mv", "mkdir", "rm"},
		},
		MemoryRead: map[string]bool{
			string(Low):    true,
			string(Medium): true,
			string(High):   true,
		},
		MemoryWrite: map[string]bool{
			string(Low):    false,
			string(Medium): true,
			string(High):   true,
		},
	}
}

// AllowedBins returns the cumulative shell allowlist for level, sorted.
func (p Policy) AllowedBins(level Level) []string {
	set := make(map[string]struct{})
	add := func(bins []string) {
		for _, bin := range bins {
			set[bin] = struct{}{}
		}
	}

	if level.AtLeast(Low) {
		add(p.ShellBins.Low)
	}
	if level.AtLeast(Medium) {
		add(p.ShellBins.Medium)
	}
	if level.AtLeast(High) {
		add(p.ShellBins.High)
	}

	bins := make([]string, 0, len(set))
	for bin := range set {
		bins = append(bins, bin)
	}
	sort.Strings(bins)
	return bins
}

// BinAllowed reports whether level may execute bin. Paths are reduced to their base name.
func (p Policy) BinAllowed(level Level, bin string) bool {
	name := filepath.Base(bin)
	for _, allowed := range p.AllowedBins(level) {
		if allowed == name {
			return true
		}
	}
	return false
}

// CanReadMemory reports the exact-level memory read gate.
func (p Policy) CanReadMemory(level Level) bool {
	return p.MemoryRead[string(level)]
}

// CanWriteMemory reports the exact-level memory write gate.
func (p Policy) CanWriteMemory(level Level) bool {
	return p.MemoryWrite[string(level)]
}

// Package resolver maps free-text boss and raid names to upstream achievement icons.
package resolver

import (
	"fmt"
	"strings"

	"github.com/guild-tracker/internal/models"
)

// Matcher runs the name cascade against an achievement index.
//
// For every candidate derived from the name it first looks for an exact,
// case-insensitive title equal to Prefix+candidate, then for any title containing
// the candidate. Candidates are tried in order: the full name, the text before a
// comma, CompositeFormat filled with the first word, and the bare first word. The
// last two are only tried when the first word is longer than three characters.
type Matcher struct {
	Prefix          string // e.g. "Mythic: "
	CompositeFormat string // e.g. "Glory of the %s Raider"
}

// DefaultMatcher matches raid achievement titles
func DefaultMatcher() Matcher {
	return Matcher{Prefix: "Mythic: ", CompositeFormat: "Glory of the %s Raider"}
}

// Candidates returns the search strings for name in the order they are tried
func (m Matcher) Candidates(name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}

	candidates := []string{name}
	if i := strings.Index(name, ","); i > 0 {
		if head := strings.TrimSpace(name[:i]); head != "" {
			candidates = append(candidates, head)
		}
	}

	first := firstToken(name)
	if len(first) > 3 {
		if m.CompositeFormat != "" {
			candidates = append(candidates, fmt.Sprintf(m.CompositeFormat, first))
		}
		candidates = append(candidates, first)
	}
	return dedupe(candidates)
}

// Match returns the first resource the cascade hits, or nil
func (m Matcher) Match(name string, resources []models.GameResource) *models.GameResource {
	for _, candidate := range m.Candidates(name) {
		if r := m.exact(candidate, resources); r != nil {
			return r
		}
		if r := substring(candidate, resources); r != nil {
			return r
		}
	}
	return nil
}

func (m Matcher) exact(candidate string, resources []models.GameResource) *models.GameResource {
	want := m.Prefix + candidate
	for i := range resources {
		if strings.EqualFold(resources[i].Name, want) {
			return &resources[i]
		}
	}
	return nil
}

func substring(candidate string, resources []models.GameResource) *models.GameResource {
	needle := strings.ToLower(candidate)
	for i := range resources {
		if strings.Contains(strings.ToLower(resources[i].Name), needle) {
			return &resources[i]
		}
	}
	return nil
}

func firstToken(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRight(fields[0], ",:;.")
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

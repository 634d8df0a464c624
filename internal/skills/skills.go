// Package skills loads skill bundles — markdown files with YAML
// frontmatter — and recommends them per request by keyword match.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
const FrontmatterDelimiter = "---"

// Skill is one loaded skill bundle.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `yaml:"name"`

	// Description explains what the skill does and when to use it.
	Description string `yaml:"description"`

	// Always includes the skill in every request, skipping recommendation.
	Always bool `yaml:"always"`

	// Keywords drive the recommender; the skill name and description
	// words also count.
	Keywords []string `yaml:"keywords"`

	// RequiredTools lists tool names the skill needs available.
	RequiredTools []string `yaml:"required_tools"`

	// Content is the markdown body injected into the prompt.
	Content string `yaml:"-"`

	// Path is the file the skill was loaded from.
	Path string `yaml:"-"`
}

// Parse parses a skill file's content.
func Parse(data []byte, path string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}
	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if err := validateName(skill.Name); err != nil {
		return nil, err
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	skill.Content = strings.TrimSpace(string(body))
	skill.Path = path
	return &skill, nil
}

func validateName(name string) error {
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", name)
		}
	}
	return nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}
	var frontmatter []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			closed = true
			break
		}
		frontmatter = append(frontmatter, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}
	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}
	return []byte(strings.Join(frontmatter, "\n")), []byte(strings.Join(body, "\n")), nil
}

// Registry holds the loaded skill set and answers recommendation queries.
type Registry struct {
	dir string

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewRegistry creates a registry over a skills directory.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, skills: map[string]*Skill{}}
}

// Load scans the directory for *.md skill files, replacing the current
// set. A missing directory loads an empty set.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.skills = map[string]*Skill{}
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}
	loaded := map[string]*Skill{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read skill %s: %w", entry.Name(), err)
		}
		skill, err := Parse(data, path)
		if err != nil {
			return fmt.Errorf("skill %s: %w", entry.Name(), err)
		}
		loaded[skill.Name] = skill
	}
	r.mu.Lock()
	r.skills = loaded
	r.mu.Unlock()
	return nil
}

// List returns all loaded skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	return skill, ok
}

// Select returns the always-on skills plus up to maxRecommended skills
// whose keywords overlap the request text, best matches first.
func (r *Registry) Select(request string, maxRecommended int) []*Skill {
	words := tokenize(request)
	lowered := strings.ToLower(request)
	type scored struct {
		skill *Skill
		score int
	}
	var always []*Skill
	var candidates []scored
	for _, skill := range r.List() {
		if skill.Always {
			always = append(always, skill)
			continue
		}
		if score := matchScore(skill, words, lowered); score > 0 {
			candidates = append(candidates, scored{skill: skill, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if maxRecommended > 0 && len(candidates) > maxRecommended {
		candidates = candidates[:maxRecommended]
	}
	out := always
	for _, c := range candidates {
		out = append(out, c.skill)
	}
	return out
}

// RequiredTools collects the union of tool names the given skills declare.
func RequiredTools(selected []*Skill) []string {
	seen := map[string]bool{}
	var out []string
	for _, skill := range selected {
		for _, name := range skill.RequiredTools {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func matchScore(skill *Skill, requestWords map[string]bool, lowered string) int {
	score := 0
	for _, kw := range skill.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		// Multi-word keywords match as substrings of the request.
		if strings.Contains(kw, " ") {
			if strings.Contains(lowered, kw) {
				score += 2
			}
			continue
		}
		if requestWords[kw] {
			score += 2
		}
	}
	for word := range tokenize(skill.Name + " " + skill.Description) {
		if len(word) >= 4 && requestWords[word] {
			score++
		}
	}
	return score
}

func tokenize(text string) map[string]bool {
	words := map[string]bool{}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r >= 0x80)
	}) {
		words[word] = true
	}
	return words
}

package unityhelper

import (
	_ "embed"
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"strings"
)

//go:embed knownissues.yaml
var knownIssuesYAML []byte

// KnownIssue is a common Unity error with a canned explanation.
type KnownIssue struct {
	ID       string   `yaml:"id" json:"id" validate:"required"`
	Title    string   `yaml:"title" json:"title" validate:"required"`
	Patterns []string `yaml:"patterns" json:"patterns" validate:"required,min=1,dive,required"`
	Cause    string   `yaml:"cause" json:"cause"`
	Solution string   `yaml:"solution" json:"solution" validate:"required"`
	Docs     string   `yaml:"docs" json:"docs" validate:"omitempty,url"`
}

// KnownIssues is an immutable table of [KnownIssue], in file order.
type KnownIssues struct {
	issues []KnownIssue
	lower  [][]string
}

type knownIssuesFile struct {
	Issues []KnownIssue `yaml:"issues"`
}

// LoadKnownIssues parses the built-in known issue table.
func LoadKnownIssues() (*KnownIssues, error) {
	return ParseKnownIssues(knownIssuesYAML)
}

// LoadKnownIssuesFile parses a known issue table from the given YAML file
func LoadKnownIssuesFile(path string) (*KnownIssues, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading known issues: %w", err)
	}
	return ParseKnownIssues(data)
}

// ParseKnownIssues parses and validates a known issue table. Every
// issue needs a unique ID, at least one pattern, and a solution.
func ParseKnownIssues(data []byte) (*KnownIssues, error) {
	var f knownIssuesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing known issues: %w", err)
	}

	var errs []error
	seen := make(map[string]struct{}, len(f.Issues))
	k := &KnownIssues{
		issues: make([]KnownIssue, 0, len(f.Issues)),
		lower:  make([][]string, 0, len(f.Issues)),
	}
	for i, issue := range f.Issues {
		if err := structValidator.Struct(issue); err != nil {
			errs = append(errs, fmt.Errorf("issue %d (%q): %w", i, issue.ID, err))
			continue
		}
		if _, ok := seen[issue.ID]; ok {
			errs = append(errs, fmt.Errorf("issue %d: duplicate id %q", i, issue.ID))
			continue
		}
		seen[issue.ID] = struct{}{}

		patterns := make([]string, len(issue.Patterns))
		for pi, p := range issue.Patterns {
			patterns[pi] = strings.ToLower(p)
		}
		k.issues = append(k.issues, issue)
		k.lower = append(k.lower, patterns)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return k, nil
}

// Lookup returns the first issue with a pattern found in errorText,
// ignoring case.
func (k *KnownIssues) Lookup(errorText string) (KnownIssue, bool) {
	text := strings.ToLower(errorText)
	if strings.TrimSpace(text) == "" {
		return KnownIssue{}, false
	}
	for i, patterns := range k.lower {
		for _, p := range patterns {
			if strings.Contains(text, p) {
				return k.issues[i], true
			}
		}
	}
	return KnownIssue{}, false
}

// All returns a copy of every issue, in file order.
func (k *KnownIssues) All() []KnownIssue {
	rv := make([]KnownIssue, len(k.issues))
	copy(rv, k.issues)
	return rv
}

func (k *KnownIssues) Len() int {
	return len(k.issues)
}

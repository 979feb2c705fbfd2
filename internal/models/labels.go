package models

import "strings"

// LabelSet is an ordered list of distinct queryable labels
type LabelSet []string

// NewLabelSet keeps the first occurrence of every label, in input order.
// Blank labels are dropped.
func NewLabelSet(labels []string) LabelSet {
	seen := make(map[string]struct{}, len(labels))
	set := make(LabelSet, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		set = append(set, l)
	}
	return set
}

// Contains reports whether label is in the set
func (s LabelSet) Contains(label string) bool {
	for _, l := range s {
		if l == label {
			return true
		}
	}
	return false
}

// Suggest returns the labels starting with prefix, ignoring case.
// An empty prefix matches everything.
func (s LabelSet) Suggest(prefix string) LabelSet {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	out := make(LabelSet, 0, len(s))
	for _, l := range s {
		if strings.HasPrefix(strings.ToLower(l), prefix) {
			out = append(out, l)
		}
	}
	return out
}

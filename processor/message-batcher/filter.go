package messagebatcher

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// TopicFilter decides which input topics are batched.
//
// Patterns are doublestar globs over "/"-separated topic segments. Dotted NATS
// subjects are matched after converting "." to "/", so "home/*/light" and
// "home.*.light" are equivalent.
type TopicFilter struct {
	include []string
	exclude []string
}

// NewTopicFilter validates and compiles include and exclude patterns.
// An empty include list admits every topic not excluded.
func NewTopicFilter(include, exclude []string) (*TopicFilter, error) {
	f := &TopicFilter{}
	for _, p := range include {
		n := normalizeTopic(p)
		if !doublestar.ValidatePattern(n) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
		f.include = append(f.include, n)
	}
	for _, p := range exclude {
		n := normalizeTopic(p)
		if !doublestar.ValidatePattern(n) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		f.exclude = append(f.exclude, n)
	}
	return f, nil
}

// Allow reports whether messages on topic should be batched.
func (f *TopicFilter) Allow(topic string) bool {
	if f == nil {
		return true
	}
	t := normalizeTopic(topic)

	if len(f.include) > 0 && !matchAny(f.include, t) {
		return false
	}
	return !matchAny(f.exclude, t)
}

func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		// Patterns were validated at construction.
		if ok, _ := doublestar.Match(p, topic); ok {
			return true
		}
	}
	return false
}

func normalizeTopic(s string) string {
	return strings.ReplaceAll(s, ".", "/")
}

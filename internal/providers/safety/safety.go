// Package safety is the content gate consulted before any credits are
// reserved. An unsafe verdict means no job is created.
package safety

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Audience selects how strict the gate is.
type Audience string

const (
	AudienceGeneral Audience = "general"
	AudienceKids    Audience = "kids"
)

// Verdict is the result of a safety check.
type Verdict struct {
	Safe         bool     `json:"safe"`
	BlockedTerms []string `json:"blocked_terms,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// Checker inspects free text for a target audience.
type Checker interface {
	Check(ctx context.Context, text string, audience Audience) (Verdict, error)
}

// Blocklist is a static term list. Terms listed under kids only apply to
// that audience.
type Blocklist struct {
	general map[string]struct{}
	kids    map[string]struct{}
}

// NewBlocklist builds a gate from general terms plus extra kids-only terms.
func NewBlocklist(general, kidsOnly []string) *Blocklist {
	b := &Blocklist{general: map[string]struct{}{}, kids: map[string]struct{}{}}
	for _, t := range general {
		if t = normalize(t); t != "" {
			b.general[t] = struct{}{}
		}
	}
	for _, t := range kidsOnly {
		if t = normalize(t); t != "" {
			b.kids[t] = struct{}{}
		}
	}
	return b
}

// Check tokenizes text and reports any listed term it contains.
func (b *Blocklist) Check(ctx context.Context, text string, audience Audience) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	seen := map[string]struct{}{}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '-'
	}) {
		if _, ok := b.general[word]; ok {
			seen[word] = struct{}{}
			continue
		}
		if audience == AudienceKids {
			if _, ok := b.kids[word]; ok {
				seen[word] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return Verdict{Safe: true}, nil
	}
	blocked := make([]string, 0, len(seen))
	for w := range seen {
		blocked = append(blocked, w)
	}
	sort.Strings(blocked)
	return Verdict{
		Safe:         false,
		BlockedTerms: blocked,
		Suggestions:  []string{"Remove or rephrase: " + strings.Join(blocked, ", ")},
	}, nil
}

func normalize(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

var _ Checker = (*Blocklist)(nil)

package service

import (
	"regexp"
	"strings"
)

// Effect is the interpretation of a chat message
type Effect int

const (
	EffectIgnore Effect = iota
	EffectDamage
	EffectHeal
)

// Interpreter classifies chat messages into damage, heal, or ignore.
// A message containing keywords from both sets is ambiguous and
// ignored; multiple occurrences of one kind still count as one.
type Interpreter struct {
	damage *regexp.Regexp
	heal   *regexp.Regexp
}

// NewInterpreter builds an interpreter from the configured keyword
// sets. Matching is case-insensitive substring containment.
func NewInterpreter(triggerKeywords, healKeywords []string) *Interpreter {
	return &Interpreter{
		damage: compileKeywords(triggerKeywords),
		heal:   compileKeywords(healKeywords),
	}
}

// compileKeywords builds one alternation over the escaped keywords.
// Keywords are user-configured strings, so regex metacharacters in
// them must match literally.
func compileKeywords(words []string) *regexp.Regexp {
	escaped := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(w))
	}
	if len(escaped) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)` + strings.Join(escaped, "|"))
}

// Classify returns the effect of a message. Per-message magnitude is
// capped at 1 regardless of keyword repetition.
func (in *Interpreter) Classify(message string) Effect {
	hasHit := in.damage != nil && in.damage.MatchString(message)
	hasHeal := in.heal != nil && in.heal.MatchString(message)
	switch {
	case hasHit && !hasHeal:
		return EffectDamage
	case hasHeal && !hasHit:
		return EffectHeal
	default:
		return EffectIgnore
	}
}

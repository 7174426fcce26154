// Package optout detects do-not-contact requests in inbound text and turns
// them into permanent recipient blocks.
package optout

import (
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// The curated opt-out lexicon. Multi-word phrases only, except for tokens
// with no competing meaning: single ambiguous words like "cancelar" or
// "baja" would collide with unrelated actions (cancelling an appointment,
// a price drop). Matching is case- and diacritic-insensitive, so "quítenme"
// and "quitenme" both hit.
var phrases = []string{
	"no me escriban",
	"no me escribas",
	"no me molesten",
	"no me molestes",
	"no me contacten",
	"no me contactes",
	"dejen de escribir",
	"deja de escribirme",
	"dejame en paz",
	"dejenme en paz",
	"no quiero mensajes",
	"no me manden mensajes",
	"no me mandes mensajes",
	"quitenme de la lista",
	"sacame de la lista",
	"borrame de la lista",
	"darme de baja",
	"dar de baja",
	"stop messaging me",
	"stop texting me",
	"stop contacting me",
	"do not contact me",
	"dont contact me",
	"remove me from",
	"unsubscribe",
}

// Blocker is the downstream enforcement point for a detected opt-out,
// satisfied by throttle.RateLimiter.
type Blocker interface {
	Block(recipient, reason string)
}

// Guard scans inbound text for opt-out requests
type Guard struct {
	blocker Blocker
	reason  string
	logger  *slog.Logger
}

// NewGuard creates a guard that blocks matching senders through blocker
func NewGuard(blocker Blocker, reason string) *Guard {
	return &Guard{
		blocker: blocker,
		reason:  reason,
		logger:  slog.Default().With("component", "dnc-guard"),
	}
}

// ScanForOptOut reports whether text contains an opt-out phrase
func ScanForOptOut(text string) bool {
	folded := fold(text)
	for _, phrase := range phrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}
	return false
}

// Process scans one inbound message. On a match the sender is permanently
// blocked and true is returned; the lexicon is a starting point, not ground
// truth, so every hit is logged with the triggering text for review.
func (g *Guard) Process(recipient, text string) bool {
	if !ScanForOptOut(text) {
		return false
	}

	g.logger.Warn("opt-out detected",
		"recipient", recipient,
		"text", text)
	g.blocker.Block(recipient, g.reason)
	return true
}

// fold lowercases text, strips diacritics and drops apostrophes so phrase
// matching is resilient to accents and "don't" vs "dont".
func fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, strings.ToLower(text))
	if err != nil {
		stripped = strings.ToLower(text)
	}
	return strings.Map(func(r rune) rune {
		if r == '\'' || r == '’' {
			return -1
		}
		return r
	}, stripped)
}

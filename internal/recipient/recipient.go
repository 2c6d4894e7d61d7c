// Package recipient resolves the payee of a spoken or typed payment request.
//
// A selector is either a UPI address ("ravi@okbank"), which is accepted as
// is, or a beneficiary name as the user said it ("ravi kumar", "sharmeela").
// Names are matched against the account's saved beneficiaries in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes of every token in
//     the selector are compared with those of each beneficiary name. Any
//     overlap makes the beneficiary a phonetic candidate, accepted when its
//     Jaro-Winkler similarity reaches the phonetic threshold (default 0.70).
//
//  2. Fuzzy fallback: without a phonetic candidate, a beneficiary is accepted
//     on Jaro-Winkler similarity alone above the fuzzy threshold (default
//     0.85).
//
// Two candidates scoring within the ambiguity margin of each other are not
// guessed between; the selector is reported as unknown so the user is asked
// again.
package recipient

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/vaani/pkg/fault"
	"github.com/MrWong99/vaani/pkg/provider/stt"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultAmbiguityMargin   = 0.02
)

var upiAddress = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,256}@[a-zA-Z][a-zA-Z0-9]{1,63}$`)

// IsUPIAddress reports whether s is syntactically a UPI virtual payment
// address.
func IsUPIAddress(s string) bool {
	return upiAddress.MatchString(s)
}

// Beneficiary is a saved payee.
type Beneficiary struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	UPIAddress string `json:"upi_address"`
}

// Directory lists the saved beneficiaries of the account behind token.
type Directory interface {
	Beneficiaries(ctx context.Context, token string) ([]Beneficiary, error)
}

// Match is the outcome of a successful resolution.
type Match struct {
	Beneficiary Beneficiary

	// Score is the Jaro-Winkler similarity; 1 for a literal UPI address.
	Score float64

	// Phonetic reports whether the Double Metaphone stage matched.
	Phonetic bool
}

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched beneficiary. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(r *Resolver) { r.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(r *Resolver) { r.fuzzyThreshold = threshold }
}

// Resolver maps selectors to beneficiaries. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	dir               Directory
	phoneticThreshold float64
	fuzzyThreshold    float64
	margin            float64
}

// New returns a Resolver backed by dir.
func New(dir Directory, opts ...Option) *Resolver {
	r := &Resolver{
		dir:               dir,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		margin:            defaultAmbiguityMargin,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve looks up selector for the account behind token. An unmatched or
// ambiguous selector fails with [fault.ErrUnknownRecipient].
func (r *Resolver) Resolve(ctx context.Context, token, selector string) (Match, error) {
	selector = strings.TrimSpace(selector)
	if IsUPIAddress(selector) {
		return Match{Beneficiary: Beneficiary{UPIAddress: selector}, Score: 1}, nil
	}
	if selector == "" || r.dir == nil {
		return Match{}, fault.ErrUnknownRecipient
	}
	list, err := r.dir.Beneficiaries(ctx, token)
	if err != nil {
		return Match{}, fmt.Errorf("recipient: list beneficiaries: %w", err)
	}
	return r.Best(selector, list)
}

// Best picks the beneficiary in list that matches name.
func (r *Resolver) Best(name string, list []Beneficiary) (Match, error) {
	nameLower := strings.ToLower(strings.TrimSpace(name))
	tokens := strings.Fields(nameLower)
	if len(tokens) == 0 {
		return Match{}, fault.ErrUnknownRecipient
	}
	inputCodes := codesForTokens(tokens)

	var best, runnerUp Match
	for _, b := range list {
		bLower := strings.ToLower(strings.TrimSpace(b.Name))
		if bLower == "" {
			continue
		}
		bTokens := strings.Fields(bLower)
		phonetic := codesOverlap(inputCodes, codesForTokens(bTokens))
		score := bestJWScore(tokens, bTokens, nameLower, bLower)

		var accepted bool
		if phonetic {
			accepted = score >= r.phoneticThreshold
		} else {
			accepted = score >= r.fuzzyThreshold
		}
		if !accepted {
			continue
		}
		cand := Match{Beneficiary: b, Score: score, Phonetic: phonetic}
		if better(cand, best) {
			best, runnerUp = cand, best
		} else if better(cand, runnerUp) {
			runnerUp = cand
		}
	}

	if best.Beneficiary.Name == "" {
		return Match{}, fault.ErrUnknownRecipient
	}
	if runnerUp.Beneficiary.Name != "" &&
		runnerUp.Phonetic == best.Phonetic &&
		best.Score-runnerUp.Score < r.margin &&
		runnerUp.Beneficiary.UPIAddress != best.Beneficiary.UPIAddress {
		return Match{}, fmt.Errorf("recipient: %q matches both %q and %q: %w",
			name, best.Beneficiary.Name, runnerUp.Beneficiary.Name, fault.ErrUnknownRecipient)
	}
	return best, nil
}

// better ranks phonetic matches above fuzzy ones, then by score.
func better(a, b Match) bool {
	if b.Beneficiary.Name == "" {
		return true
	}
	if a.Phonetic != b.Phonetic {
		return a.Phonetic
	}
	return a.Score > b.Score
}

// Keywords turns beneficiary names into recognition hints.
func Keywords(list []Beneficiary, boost float64) []stt.KeywordBoost {
	seen := make(map[string]bool)
	var out []stt.KeywordBoost
	for _, b := range list {
		for _, tok := range strings.Fields(b.Name) {
			key := strings.ToLower(tok)
			if len(key) < 3 || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, stt.KeywordBoost{Keyword: tok, Boost: boost})
		}
	}
	return out
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings, and the token alignment: every spoken token is
// paired with its closest name token and the pair scores are averaged, so
// "ravi" alone fits "Ravi Kumar" and "Ravi Shankar" equally well while
// "ravi kumar" prefers the former.
func bestJWScore(inputTokens, nameTokens []string, inputFull, nameFull string) float64 {
	score := matchr.JaroWinkler(inputFull, nameFull, false)

	if len(inputTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}

	var sum float64
	for _, it := range inputTokens {
		var top float64
		for _, nt := range nameTokens {
			top = max(top, matchr.JaroWinkler(it, nt, false))
		}
		sum += top
	}
	if avg := sum / float64(len(inputTokens)); avg > score {
		score = avg
	}
	return score
}

package signals

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// #region sensor

// Sensor converts free text plus recent history into a Triad. It holds only
// read-only configuration and is safe for concurrent use.
type Sensor struct {
	categories []compiledCategory
	weights    Weights
}

type compiledCategory struct {
	name    string
	signal  Signal
	weight  float64
	words   map[string]struct{}
	phrases []string
}

// NewSensor validates the lexicon and weights and compiles the keyword table.
func NewSensor(lex Lexicon, weights Weights) (*Sensor, error) {
	if err := lex.Validate(); err != nil {
		return nil, err
	}
	if weights.Tension < 0 || weights.Drift < 0 || weights.Responsibility < 0 {
		return nil, fmt.Errorf("risk weights must be non-negative: %+v", weights)
	}

	s := &Sensor{weights: weights}
	for _, c := range lex.Categories {
		cc := compiledCategory{
			name:   c.Name,
			signal: c.Signal,
			weight: c.Weight,
			words:  make(map[string]struct{}),
		}
		for _, kw := range c.Keywords {
			toks := tokenize(kw)
			switch len(toks) {
			case 0:
			case 1:
				cc.words[toks[0]] = struct{}{}
			default:
				cc.phrases = append(cc.phrases, strings.Join(toks, " "))
			}
		}
		s.categories = append(s.categories, cc)
	}
	return s, nil
}

// #endregion sensor

// #region estimate

// Estimate scores input against the most recent entry of history.
// history is ordered oldest first.
func (s *Sensor) Estimate(input string, history []string) Triad {
	tokens := tokenize(input)

	var prev []string
	if len(history) > 0 {
		prev = tokenize(history[len(history)-1])
	}

	tension, responsibility := s.lexiconScores(tokens)
	drift := Drift(tokens, prev, len(history) > 0)

	risk := clamp(s.weights.Tension*tension +
		s.weights.Drift*drift +
		s.weights.Responsibility*responsibility)

	return Triad{
		Tension:            tension,
		Drift:              drift,
		ResponsibilityRisk: responsibility,
		RiskScore:          risk,
	}
}

// Matches reports the category names that fired for input, in lexicon order.
func (s *Sensor) Matches(input string) []string {
	tokens := tokenize(input)
	set := tokenSet(tokens)
	joined := " " + strings.Join(tokens, " ") + " "

	var out []string
	for _, c := range s.categories {
		if c.hits(set, joined) > 0 {
			out = append(out, c.name)
		}
	}
	return out
}

// #endregion estimate

// #region lexicon-scores

func (s *Sensor) lexiconScores(tokens []string) (tension, responsibility float64) {
	set := tokenSet(tokens)
	joined := " " + strings.Join(tokens, " ") + " "

	for _, c := range s.categories {
		n := c.hits(set, joined)
		if n == 0 {
			continue
		}
		switch c.signal {
		case SignalTension:
			tension += float64(n) * c.weight
		case SignalResponsibility:
			responsibility += float64(n) * c.weight
		}
	}
	return clamp(tension), clamp(responsibility)
}

// hits counts distinct keywords of the category present in the input.
func (c compiledCategory) hits(set map[string]struct{}, joined string) int {
	n := 0
	for w := range c.words {
		if _, ok := set[w]; ok {
			n++
		}
	}
	for _, p := range c.phrases {
		if strings.Contains(joined, " "+p+" ") {
			n++
		}
	}
	return n
}

// #endregion lexicon-scores

// #region drift

// Drift returns 1 - Jaccard(tokens, prev). With no history, or when either
// side has no tokens, it returns NeutralDrift.
func Drift(tokens, prev []string, hasHistory bool) float64 {
	if !hasHistory || len(tokens) == 0 || len(prev) == 0 {
		return NeutralDrift
	}
	return clamp(1 - Jaccard(tokenSet(tokens), tokenSet(prev)))
}

// Jaccard computes |a ∩ b| / |a ∪ b|. Two empty sets have similarity 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// #endregion drift

// #region validate

// Validate checks the lexicon schema. Any failure here is a configuration error.
func (l Lexicon) Validate() error {
	if len(l.Categories) == 0 {
		return fmt.Errorf("lexicon has no categories")
	}
	seen := make(map[string]bool, len(l.Categories))
	for i, c := range l.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("category %d: missing name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("category %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if c.Signal != SignalTension && c.Signal != SignalResponsibility {
			return fmt.Errorf("category %q: unknown signal %q", c.Name, c.Signal)
		}
		if math.IsNaN(c.Weight) || c.Weight < -1 || c.Weight > 1 {
			return fmt.Errorf("category %q: weight %v out of range [-1, 1]", c.Name, c.Weight)
		}
		if len(c.Keywords) == 0 {
			return fmt.Errorf("category %q: no keywords", c.Name)
		}
		for j, kw := range c.Keywords {
			if len(tokenize(kw)) == 0 {
				return fmt.Errorf("category %q: keyword %d is empty", c.Name, j)
			}
		}
	}
	return nil
}

// #endregion validate

// #region helpers

// tokenize lower-cases text and splits it on anything that is not a letter,
// digit or apostrophe.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// clamp restricts v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers

// Package asr computes the answer-seizure ratio report: dialled calls per
// destination country, with how many of them were answered.
package asr

import (
	"cmp"
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/aggregator"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/source"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/tracing"
)

// UnknownCode is reported for international numbers whose calling code is
// not in the table.
const UnknownCode = "unknown"

const maxCodeLen = 4

//go:embed countries.yaml
var countriesYAML []byte

// CountryStat is the ASR input for one destination country.
type CountryStat struct {
	Code               string
	Country            string
	AnsweredCalls      int
	TotalCalls         int
	UniqueDestinations int
	TalkMinutes        float64
}

// Percentage is answered/total as a percentage rounded to two decimals.
// It is 0 when there were no calls.
func (c CountryStat) Percentage() float64 {
	return Percentage(c.AnsweredCalls, c.TotalCalls)
}

// Percentage returns answered/total*100 rounded to two decimals, or 0 when
// total is zero.
func Percentage(answered, total int) float64 {
	if total <= 0 {
		return 0
	}
	return report.Round2(float64(answered) / float64(total) * 100)
}

type country struct {
	Code    string `yaml:"code"`
	Country string `yaml:"country"`
}

// Classifier maps dialled numbers to calling codes.
type Classifier struct {
	prefixes []string
	names    map[string]string
}

// NewClassifier loads the embedded calling-code table. prefixes are the
// international dialling prefixes to strip, longest first; nil means "+"
// and "00".
func NewClassifier(prefixes []string) (*Classifier, error) {
	var table []country
	if err := yaml.Unmarshal(countriesYAML, &table); err != nil {
		return nil, fmt.Errorf("parsing country table: %w", err)
	}
	names := make(map[string]string, len(table))
	for _, c := range table {
		if len(c.Code) == 0 || len(c.Code) > maxCodeLen {
			return nil, fmt.Errorf("country table: invalid code %q", c.Code)
		}
		names[c.Code] = c.Country
	}

	if len(prefixes) == 0 {
		prefixes = []string{"+", "00"}
	}
	prefixes = slices.Clone(prefixes)
	slices.SortFunc(prefixes, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return &Classifier{prefixes: prefixes, names: names}, nil
}

// Normalize strips the international prefix and any formatting from dst.
// ok is false for numbers that are not international.
func (c *Classifier) Normalize(dst string) (string, bool) {
	dst = strings.TrimSpace(dst)
	for _, p := range c.prefixes {
		if p == "" || !strings.HasPrefix(dst, p) {
			continue
		}
		digits := strings.Map(func(r rune) rune {
			switch {
			case r >= '0' && r <= '9':
				return r
			case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
				return -1
			default:
				return 'x'
			}
		}, dst[len(p):])
		if digits == "" || strings.ContainsRune(digits, 'x') {
			return "", false
		}
		return digits, true
	}
	return "", false
}

// Classify returns the calling code and country of dst. ok is false for
// numbers that are not international.
func (c *Classifier) Classify(dst string) (code, name string, ok bool) {
	digits, ok := c.Normalize(dst)
	if !ok {
		return "", "", false
	}
	for n := min(maxCodeLen, len(digits)); n > 0; n-- {
		if name, found := c.names[digits[:n]]; found {
			return digits[:n], name, true
		}
	}
	return UnknownCode, "Unknown", true
}

// Summarize groups destination tallies by country, sorted by total calls
// descending then code ascending. Non-international destinations are
// skipped.
func (c *Classifier) Summarize(dests []report.DestinationStat) []CountryStat {
	type acc struct {
		stat    CountryStat
		seconds int64
		numbers map[string]struct{}
	}
	byCode := make(map[string]*acc)
	for _, d := range dests {
		code, name, ok := c.Classify(d.Destination)
		if !ok {
			continue
		}
		a, exists := byCode[code]
		if !exists {
			a = &acc{stat: CountryStat{Code: code, Country: name}, numbers: make(map[string]struct{})}
			byCode[code] = a
		}
		a.stat.TotalCalls += d.TotalCalls
		a.stat.AnsweredCalls += d.AnsweredCalls
		a.seconds += d.TalkSeconds
		digits, _ := c.Normalize(d.Destination)
		a.numbers[digits] = struct{}{}
	}

	out := make([]CountryStat, 0, len(byCode))
	for _, a := range byCode {
		a.stat.UniqueDestinations = len(a.numbers)
		a.stat.TalkMinutes = report.Round2(report.Minutes(a.seconds))
		out = append(out, a.stat)
	}
	slices.SortFunc(out, func(a, b CountryStat) int {
		if n := cmp.Compare(b.TotalCalls, a.TotalCalls); n != 0 {
			return n
		}
		return cmp.Compare(a.Code, b.Code)
	})
	return out
}

// Result is one source's ASR report, or its failure.
type Result = aggregator.Result[[]CountryStat]

// Builder runs the ASR report over every source.
type Builder struct {
	classifier  *Classifier
	parallelism int
}

func NewBuilder(classifier *Classifier, parallelism int) *Builder {
	return &Builder{classifier: classifier, parallelism: parallelism}
}

// Build fetches destination tallies for w from every source concurrently
// and summarizes each one separately. Results are in source order.
func (b *Builder) Build(ctx context.Context, w window.Window, sources []source.Source) []Result {
	return aggregator.FanOut(ctx, sources, b.parallelism, func(ctx context.Context, src source.Source) ([]CountryStat, error) {
		dests, err := src.FetchDestinations(ctx, w)
		if err != nil {
			return nil, err
		}
		countries := b.classifier.Summarize(dests)
		tracing.SpanFromContext(ctx).SetRows(len(countries))
		return countries, nil
	})
}

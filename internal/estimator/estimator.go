// Package estimator implements CostEstimator: a pure, deterministic
// classifier over query text. No I/O, no tokenizer call — length and word
// count are a cheap proxy, in the same spirit as the token-count heuristics
// elsewhere in this codebase.
package estimator

import (
	"strings"

	"github.com/cklxx/deepresearch/internal/domain/research"
)

// band holds the constants for one complexity class.
type band struct {
	complexity  research.Complexity
	minMinutes  float64
	maxMinutes  float64
	minUSD      float64
	maxUSD      float64
}

// bands are totally ordered and mutually exclusive; classify selects among
// them by word count, marker-word count, and comma count.
var bands = map[research.Complexity]band{
	research.ComplexitySimple:  {research.ComplexitySimple, 0.05, 0.5, 0.001, 0.01},
	research.ComplexityMedium:  {research.ComplexityMedium, 0.5, 5, 0.01, 0.10},
	research.ComplexityComplex: {research.ComplexityComplex, 5, 30, 0.10, 1.00},
}

// domainMarkers are terms whose presence signals multi-source, multi-domain
// breadth and pushes classification toward the complex end of its band.
var domainMarkers = []string{
	"compare", "survey", "comprehensive", "analyze", "history of",
	"vs", "versus", "across", "trends", "state of the art", "literature review",
}

// Estimator implements the CostEstimator component.
type Estimator struct {
	syncBudgetSeconds float64
}

// New builds an Estimator whose will_likely_go_async threshold is derived
// from syncBudgetSeconds (the Engine's configured sync_budget).
func New(syncBudgetSeconds float64) *Estimator {
	if syncBudgetSeconds <= 0 {
		syncBudgetSeconds = 30
	}
	return &Estimator{syncBudgetSeconds: syncBudgetSeconds}
}

// Estimate classifies query and returns a CostEstimate. The function is
// referentially transparent: the same query always yields the same result.
func (e *Estimator) Estimate(query string) research.CostEstimate {
	complexity := classify(query)
	b := bands[complexity]

	fraction := breadthFraction(query)
	likelyMinutes := b.minMinutes + (b.maxMinutes-b.minMinutes)*fraction
	likelyUSD := b.minUSD + (b.maxUSD-b.minUSD)*fraction

	willAsync := likelyMinutes > e.syncBudgetSeconds/60

	return research.CostEstimate{
		Complexity:        complexity,
		MinMinutes:        b.minMinutes,
		MaxMinutes:         b.maxMinutes,
		LikelyMinutes:     round2(likelyMinutes),
		MinUSD:            b.minUSD,
		MaxUSD:            b.maxUSD,
		LikelyUSD:         round2(likelyUSD),
		WillLikelyGoAsync: willAsync,
		Recommendation:    recommendation(complexity, willAsync),
	}
}

// classify buckets a query into simple/medium/complex by length, domain-
// marker density, and enumerated scope (comma-separated entity lists like
// "US, EU, China, and Japan" signal a multi-way comparison regardless of
// how few marker words or total words the query otherwise has).
func classify(query string) research.Complexity {
	words := wordCount(query)
	markers := countMarkers(query)
	scope := enumerationCount(query)

	switch {
	case words <= 12 && markers == 0 && scope == 0:
		return research.ComplexitySimple
	case words <= 40 && markers+scope <= 2:
		return research.ComplexityMedium
	default:
		return research.ComplexityComplex
	}
}

// breadthFraction maps query signal strength onto [0,1] within its band, so
// the "likely" value sits between min and max rather than always equal to
// one extreme.
func breadthFraction(query string) float64 {
	words := wordCount(query)
	markers := countMarkers(query)
	scope := enumerationCount(query)
	fraction := float64(words)/80.0 + float64(markers)*0.1 + float64(scope)*0.15
	if fraction > 1 {
		fraction = 1
	}
	if fraction < 0.1 {
		fraction = 0.1
	}
	return fraction
}

func wordCount(query string) int {
	return len(strings.Fields(query))
}

func countMarkers(query string) int {
	lower := strings.ToLower(query)
	count := 0
	for _, marker := range domainMarkers {
		if strings.Contains(lower, marker) {
			count++
		}
	}
	return count
}

// enumerationCount counts comma-separated items in the query, a proxy for
// how many entities a comparison spans ("US, EU, China, and Japan" has 3
// commas for 4 entities). Every comma, the first included, pushes a query
// toward the complex end regardless of marker-word density, since a
// multi-entity comparison fans out the provider's search breadth the same
// way a marker word does.
func enumerationCount(query string) int {
	return strings.Count(query, ",")
}

func recommendation(complexity research.Complexity, willAsync bool) string {
	switch {
	case complexity == research.ComplexitySimple:
		return "Likely to complete synchronously within the default budget."
	case willAsync:
		return "Expect this to run in the background; request notify_on_done."
	default:
		return "May complete synchronously but could cross into background processing."
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

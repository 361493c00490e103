// Package comps turns raw marketplace listings into per-lot-size price
// statistics.
package comps

import (
	"regexp"
	"strconv"
)

// SizePattern recognises a lot size in a listing title. The first capture
// group holds the size; matches outside [Min, Max] are ignored so a later
// pattern may still apply. Max of zero means unbounded.
type SizePattern struct {
	Name string
	Re   *regexp.Regexp
	Min  int
	Max  int
}

// DefaultSizePatterns returns the stock grammar, most specific first.
func DefaultSizePatterns() []SizePattern {
	return []SizePattern{
		{Name: "lot of", Re: regexp.MustCompile(`(?i)\b(?:lot|set|bundle)\s*[-:]?\s*of\s+(\d+)\b`), Min: 1},
		{Name: "lot first", Re: regexp.MustCompile(`(?i)\b(?:lot|set)\s+(?:1st|first|\d+(?:st|nd|rd|th))\s+(\d+)\b`), Min: 2, Max: 50},
		{Name: "complete set", Re: regexp.MustCompile(`(?i)\b(?:complete|full|entire)\s+set\s+(\d+)\b`), Min: 2},
		{Name: "n book lot", Re: regexp.MustCompile(`(?i)\b(\d+)\s*(?:book|novel|paperback|hardcover)s?\s+lot\b`), Min: 1},
		{Name: "qty", Re: regexp.MustCompile(`(?i)\b(?:qty|quantity)\s*:?\s*(\d+)\b`), Min: 2},
		{Name: "lot n", Re: regexp.MustCompile(`(?i)\b(?:lot|set)\s*[-:]?\s*(\d+)\b`), Min: 2},
		{Name: "n books", Re: regexp.MustCompile(`(?i)\b(\d+)\s*(?:book|novel|paperback|hardcover)s\b`), Min: 2, Max: 50},
	}
}

// SizeParser extracts lot sizes from listing titles using an ordered list of
// patterns.
type SizeParser struct {
	patterns []SizePattern
}

// NewSizeParser creates a parser. With no patterns it uses
// DefaultSizePatterns.
func NewSizeParser(patterns ...SizePattern) *SizeParser {
	if len(patterns) == 0 {
		patterns = DefaultSizePatterns()
	}
	return &SizeParser{patterns: patterns}
}

// Parse returns the lot size claimed by title, or 0 when no pattern applies.
func (p *SizeParser) Parse(title string) int {
	for _, pat := range p.patterns {
		for _, m := range pat.Re.FindAllStringSubmatch(title, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if n < pat.Min || (pat.Max > 0 && n > pat.Max) {
				continue
			}
			return n
		}
	}
	return 0
}

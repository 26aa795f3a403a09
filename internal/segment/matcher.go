package segment

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/nv-mldev/email-agent/internal/layout"
)

// Match is a resolved page title. Length is the length of the matched text
// and ranks competing candidates.
type Match struct {
	DocType string
	Length  int
}

// Matcher resolves the title of a single page.
type Matcher interface {
	MatchPage(p layout.Page) (Match, bool)
}

// TitleRegionMatcher looks for a title in the top fraction of a page. Bold
// lines are preferred, then lines holding a priority phrase, then the whole
// region.
type TitleRegionMatcher struct {
	table    *Table
	priority []*regexp.Regexp
	fraction float64
}

// NewTitleRegionMatcher builds a matcher over table. fraction is the share of
// a page's lines treated as the title region.
func NewTitleRegionMatcher(table *Table, priorityPhrases []string, fraction float64) (*TitleRegionMatcher, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("title fraction %v out of range (0,1]", fraction)
	}
	m := &TitleRegionMatcher{table: table, fraction: fraction}
	for _, p := range priorityPhrases {
		re, err := SpacedPattern(p)
		if err != nil {
			return nil, fmt.Errorf("compiling priority phrase %q: %w", p, err)
		}
		m.priority = append(m.priority, re)
	}
	return m, nil
}

func (m *TitleRegionMatcher) MatchPage(p layout.Page) (Match, bool) {
	region := titleRegion(p.Lines, m.fraction)
	if len(region) == 0 {
		return Match{}, false
	}
	return m.table.Best(joinLines(m.selectLines(region)))
}

func (m *TitleRegionMatcher) selectLines(region []layout.Line) []layout.Line {
	var bold []layout.Line
	for _, l := range region {
		if l.Bold {
			bold = append(bold, l)
		}
	}
	if len(bold) > 0 {
		return bold
	}

	var keyed []layout.Line
	for _, l := range region {
		for _, re := range m.priority {
			if re.MatchString(l.Text) {
				keyed = append(keyed, l)
				break
			}
		}
	}
	if len(keyed) > 0 {
		return keyed
	}
	return region
}

// titleRegion returns the first ceil(len*fraction) lines, at least one.
func titleRegion(lines []layout.Line, fraction float64) []layout.Line {
	if len(lines) == 0 {
		return nil
	}
	n := int(math.Ceil(float64(len(lines)) * fraction))
	if n < 1 {
		n = 1
	}
	if n > len(lines) {
		n = len(lines)
	}
	return lines[:n]
}

func joinLines(lines []layout.Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// FullTextMatcher matches keyword phrases as plain case-insensitive
// substrings anywhere on the page. It ignores style and whitespace noise.
type FullTextMatcher struct {
	keywords []Keywords
}

// NewFullTextMatcher builds a FullTextMatcher over keywords.
func NewFullTextMatcher(keywords []Keywords) *FullTextMatcher {
	lowered := make([]Keywords, len(keywords))
	for i, kw := range keywords {
		lowered[i].DocType = kw.DocType
		for _, p := range kw.Phrases {
			lowered[i].Phrases = append(lowered[i].Phrases, strings.ToLower(p))
		}
	}
	return &FullTextMatcher{keywords: lowered}
}

func (m *FullTextMatcher) MatchPage(p layout.Page) (Match, bool) {
	text := strings.ToLower(joinLines(p.Lines))
	var best Match
	found := false
	for _, kw := range m.keywords {
		for _, phrase := range kw.Phrases {
			if phrase == "" || !strings.Contains(text, phrase) {
				continue
			}
			if !found || len(phrase) > best.Length {
				best = Match{DocType: kw.DocType, Length: len(phrase)}
				found = true
			}
		}
	}
	return best, found
}

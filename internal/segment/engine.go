// Package segment splits a multi-page file into labelled page ranges by
// detecting document titles.
package segment

import (
	"fmt"

	"github.com/nv-mldev/email-agent/internal/layout"
	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// Matching strategies.
const (
	StrategyTitleRegion = "title_region"
	StrategyFullText    = "full_text"
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	Strategy          string
	TitleFraction     float64
	TitledConfidence  float64
	UnknownConfidence float64
	Keywords          []Keywords
	PriorityPhrases   []string
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyTitleRegion
	}
	if c.TitleFraction == 0 {
		c.TitleFraction = 0.25
	}
	if c.TitledConfidence == 0 {
		c.TitledConfidence = 0.90
	}
	if c.UnknownConfidence == 0 {
		c.UnknownConfidence = 0.50
	}
	if c.Keywords == nil {
		c.Keywords = DefaultKeywords
	}
	if c.PriorityPhrases == nil {
		c.PriorityPhrases = DefaultPriorityPhrases
	}
	return c
}

// Engine produces page ranges from per-page titles. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	matcher           Matcher
	titledConfidence  float64
	unknownConfidence float64
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	var m Matcher
	switch cfg.Strategy {
	case StrategyTitleRegion:
		table, err := NewTable(cfg.Keywords)
		if err != nil {
			return nil, err
		}
		m, err = NewTitleRegionMatcher(table, cfg.PriorityPhrases, cfg.TitleFraction)
		if err != nil {
			return nil, err
		}
	case StrategyFullText:
		m = NewFullTextMatcher(cfg.Keywords)
	default:
		return nil, fmt.Errorf("unknown segmentation strategy %q", cfg.Strategy)
	}
	return NewEngineWithMatcher(m, cfg.TitledConfidence, cfg.UnknownConfidence), nil
}

// NewEngineWithMatcher builds an engine around a custom matcher.
func NewEngineWithMatcher(m Matcher, titledConfidence, unknownConfidence float64) *Engine {
	return &Engine{matcher: m, titledConfidence: titledConfidence, unknownConfidence: unknownConfidence}
}

// Segment labels the pages of one file. The result is ordered, contiguous,
// and covers pages 1 to len(pages). A file with no pages yields nothing.
func (e *Engine) Segment(pages []layout.Page) []pipeline.IdentifiedDocument {
	total := len(pages)
	if total == 0 {
		return nil
	}

	var docs []pipeline.IdentifiedDocument
	for i, p := range pages {
		num := i + 1
		m, ok := e.matcher.MatchPage(p)
		if !ok {
			if len(docs) > 0 {
				docs[len(docs)-1].EndPage = num
			}
			continue
		}
		if len(docs) == 0 && num > 1 {
			// Pages ahead of the first title.
			docs = append(docs, e.unknown(1, num-1))
		}
		docs = append(docs, pipeline.IdentifiedDocument{
			DocType:    m.DocType,
			Confidence: e.titledConfidence,
			StartPage:  num,
			EndPage:    num,
		})
	}

	if len(docs) == 0 {
		return []pipeline.IdentifiedDocument{e.unknown(1, total)}
	}
	docs[len(docs)-1].EndPage = total
	return docs
}

func (e *Engine) unknown(start, end int) pipeline.IdentifiedDocument {
	return pipeline.IdentifiedDocument{
		DocType:    pipeline.DocUnknown,
		Confidence: e.unknownConfidence,
		StartPage:  start,
		EndPage:    end,
	}
}

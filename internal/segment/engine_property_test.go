package segment

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nv-mldev/email-agent/internal/layout"
	"github.com/nv-mldev/email-agent/internal/pipeline"
)

var propertyTitles = []string{
	"INVOICE",
	"PACKING LIST",
	"B I L L  O F  L A D I N G",
	"Certificate of Analysis",
	"AIR WAYBILL",
	"Insurance Certificate",
}

// pagesFromPlan builds one page per plan entry: a negative entry is an
// untitled page, otherwise the entry picks a title.
func pagesFromPlan(plan []int) []layout.Page {
	pages := make([]layout.Page, len(plan))
	for i, s := range plan {
		if s < 0 {
			pages[i] = plainPage()
			continue
		}
		pages[i] = titledPage(propertyTitles[s%len(propertyTitles)])
	}
	return pages
}

func genSpec() gopter.Gen {
	return gen.SliceOf(gen.IntRange(-3, len(propertyTitles)-1))
}

func coversRange(docs []pipeline.IdentifiedDocument, total int) bool {
	if total == 0 {
		return len(docs) == 0
	}
	if len(docs) == 0 || docs[0].StartPage != 1 || docs[len(docs)-1].EndPage != total {
		return false
	}
	for i, d := range docs {
		if d.StartPage > d.EndPage {
			return false
		}
		if i > 0 && d.StartPage != docs[i-1].EndPage+1 {
			return false
		}
	}
	return true
}

func TestProperty_SegmentationCoversAllPages(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	e := newTestEngine(t)

	properties.Property("ranges_are_contiguous_and_span_every_page", prop.ForAll(
		func(plan []int) bool {
			return coversRange(e.Segment(pagesFromPlan(plan)), len(plan))
		},
		genSpec(),
	))

	properties.Property("segmentation_is_deterministic", prop.ForAll(
		func(plan []int) bool {
			pages := pagesFromPlan(plan)
			return reflect.DeepEqual(e.Segment(pages), e.Segment(pages))
		},
		genSpec(),
	))

	properties.Property("titled_pages_start_documents", prop.ForAll(
		func(plan []int) bool {
			docs := e.Segment(pagesFromPlan(plan))
			starts := make(map[int]bool, len(docs))
			for _, d := range docs {
				starts[d.StartPage] = true
			}
			for i, s := range plan {
				if s >= 0 && !starts[i+1] {
					return false
				}
			}
			return true
		},
		genSpec(),
	))

	properties.TestingRun(t)
}

func TestProperty_UntitledFileIsOneUnknown(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	e := newTestEngine(t)

	properties.Property("n_untitled_pages_yield_single_unknown", prop.ForAll(
		func(n int) bool {
			pages := make([]layout.Page, n)
			for i := range pages {
				pages[i] = plainPage()
			}
			docs := e.Segment(pages)
			return len(docs) == 1 &&
				docs[0].DocType == pipeline.DocUnknown &&
				docs[0].Confidence == 0.50 &&
				docs[0].StartPage == 1 &&
				docs[0].EndPage == n
		},
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}

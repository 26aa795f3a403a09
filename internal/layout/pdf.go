package layout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// maxDocumentSize bounds downloads handed to the PDF reader.
const maxDocumentSize = 64 << 20

// PDF extracts text lines from PDF files locally. It understands http(s) and
// file URLs. A line counts as bold when any of its glyphs uses a bold font.
type PDF struct {
	httpClient *http.Client
}

func NewPDF() *PDF {
	return &PDF{httpClient: &http.Client{Timeout: 60 * time.Second}}
}

// NewPDFWithClient uses hc for http(s) downloads.
func NewPDFWithClient(hc *http.Client) *PDF {
	return &PDF{httpClient: hc}
}

func (p *PDF) AnalyzeDocument(ctx context.Context, sourceURL string) (*Document, error) {
	data, err := p.fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	return ExtractPDF(data)
}

func (p *PDF) fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing source url: %w", err)
	}
	switch u.Scheme {
	case "file":
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", u.Path, err)
		}
		return data, nil
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported source url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading document: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("downloading document: %w", err)
	}
	if len(data) > maxDocumentSize {
		return nil, &ContentError{Reason: "document too large"}
	}
	return data, nil
}

// ExtractPDF reads every page of a PDF. Unparseable input yields a
// ContentError.
func ExtractPDF(data []byte) (doc *Document, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF")) {
		return nil, &ContentError{Reason: "not a PDF file"}
	}
	// The reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = &ContentError{Reason: "malformed PDF", Err: fmt.Errorf("%v", r)}
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ContentError{Reason: "malformed PDF", Err: err}
	}

	doc = &Document{}
	for i := 1; i <= r.NumPage(); i++ {
		page := Page{Number: i}
		if pg := r.Page(i); !pg.V.IsNull() {
			page.Lines = textLines(pg.Content().Text)
		}
		doc.Pages = append(doc.Pages, page)
	}
	if len(doc.Pages) == 0 {
		return nil, &ContentError{Reason: "PDF has no pages"}
	}
	return doc, nil
}

// textLines groups positioned glyphs into lines, top to bottom. Glyphs whose
// baselines differ by less than half their font size share a line.
func textLines(texts []pdf.Text) []Line {
	if len(texts) == 0 {
		return nil
	}
	sorted := append([]pdf.Text(nil), texts...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Y > sorted[b].Y })

	var (
		lines []Line
		row   []pdf.Text
	)
	flush := func() {
		if line, ok := rowLine(row); ok {
			lines = append(lines, line)
		}
		row = row[:0]
	}
	for _, t := range sorted {
		if len(row) > 0 && math.Abs(row[0].Y-t.Y) >= lineTolerance(row[0], t) {
			flush()
		}
		row = append(row, t)
	}
	flush()
	return lines
}

func lineTolerance(a, b pdf.Text) float64 {
	size := math.Max(a.FontSize, b.FontSize)
	if size <= 0 {
		size = 10
	}
	return size / 2
}

func rowLine(row []pdf.Text) (Line, bool) {
	row = append([]pdf.Text(nil), row...)
	sort.SliceStable(row, func(a, b int) bool { return row[a].X < row[b].X })

	var b strings.Builder
	bold := false
	for i, t := range row {
		if i > 0 {
			prev := row[i-1]
			if t.X-(prev.X+prev.W) > math.Max(prev.FontSize, 1)*0.2 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.S)
		if strings.Contains(strings.ToLower(t.Font), "bold") {
			bold = true
		}
	}
	text := strings.Join(strings.Fields(b.String()), " ")
	if text == "" {
		return Line{}, false
	}
	return Line{Text: text, Bold: bold}, true
}

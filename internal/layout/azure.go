package layout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAzureModel      = "prebuilt-layout"
	defaultAzureAPIVersion = "2024-11-30"
	azurePollInterval      = time.Second
	azureMaxRetries        = 3
	azureBackoff           = 500 * time.Millisecond
)

// contentErrorCodes are the service error codes that mean the document itself
// cannot be analysed.
var contentErrorCodes = map[string]bool{
	"InvalidContent":             true,
	"UnsupportedContent":         true,
	"InvalidContentLength":       true,
	"InvalidContentSourceFormat": true,
}

// AzureConfig configures the Document Intelligence client.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	APIVersion string
}

// Azure calls the Azure AI Document Intelligence analyze operation and maps
// its line and style output to pages.
type Azure struct {
	endpoint     string
	apiKey       string
	model        string
	apiVersion   string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewAzure(cfg AzureConfig) *Azure {
	return NewAzureWithClient(cfg, &http.Client{Timeout: 60 * time.Second})
}

// NewAzureWithClient uses hc for every request (for testing).
func NewAzureWithClient(cfg AzureConfig, hc *http.Client) *Azure {
	a := &Azure{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		apiVersion:   cfg.APIVersion,
		httpClient:   hc,
		pollInterval: azurePollInterval,
		logger:       slog.Default(),
	}
	if a.model == "" {
		a.model = defaultAzureModel
	}
	if a.apiVersion == "" {
		a.apiVersion = defaultAzureAPIVersion
	}
	return a
}

type azureSpan struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

type azureResult struct {
	Status        string      `json:"status"`
	Error         *azureError `json:"error"`
	AnalyzeResult *struct {
		Pages []struct {
			PageNumber int `json:"pageNumber"`
			Lines      []struct {
				Content string      `json:"content"`
				Spans   []azureSpan `json:"spans"`
			} `json:"lines"`
		} `json:"pages"`
		Styles []struct {
			FontWeight string      `json:"fontWeight"`
			Spans      []azureSpan `json:"spans"`
		} `json:"styles"`
	} `json:"analyzeResult"`
}

type azureError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	InnerError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"innererror"`
}

// asError maps a service error to a ContentError when the content is at
// fault.
func (e *azureError) asError(status int) error {
	code := e.Code
	msg := e.Message
	if e.InnerError != nil && e.InnerError.Code != "" {
		code = e.InnerError.Code
		msg = e.InnerError.Message
	}
	err := fmt.Errorf("document intelligence: %s: %s", code, msg)
	if contentErrorCodes[code] {
		return &ContentError{Reason: code, Err: err}
	}
	if status != 0 {
		return fmt.Errorf("HTTP %d: %w", status, err)
	}
	return err
}

func (a *Azure) AnalyzeDocument(ctx context.Context, sourceURL string) (*Document, error) {
	body, err := json.Marshal(map[string]string{"urlSource": sourceURL})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		a.endpoint, url.PathEscape(a.model), url.QueryEscape(a.apiVersion))

	resp, err := a.send(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	op := resp.Header.Get("Operation-Location")
	if op == "" {
		return nil, fmt.Errorf("document intelligence: no Operation-Location in response")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.pollInterval):
		}

		resp, err := a.send(ctx, http.MethodGet, op, nil)
		if err != nil {
			return nil, err
		}
		var res azureResult
		err = json.NewDecoder(resp.Body).Decode(&res)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding analyze result: %w", err)
		}

		switch strings.ToLower(res.Status) {
		case "notstarted", "running":
			continue
		case "succeeded":
			return res.document(), nil
		case "failed":
			if res.Error != nil {
				return nil, res.Error.asError(0)
			}
			return nil, fmt.Errorf("document intelligence: analysis failed")
		default:
			return nil, fmt.Errorf("document intelligence: unexpected status %q", res.Status)
		}
	}
}

// send performs one request with throttling retries. The caller closes the
// body of a successful response.
func (a *Azure) send(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := range azureMaxRetries {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", a.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("document intelligence request: %w", err)
		}
		if resp.StatusCode < 300 {
			return resp, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests && attempt < azureMaxRetries-1 {
			lastErr = fmt.Errorf("document intelligence: throttled: %s", raw)
			wait := azureBackoff << attempt
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
			a.logger.Warn("document intelligence throttled, retrying", "attempt", attempt+1, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		var env struct {
			Error *azureError `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			return nil, env.Error.asError(resp.StatusCode)
		}
		return nil, fmt.Errorf("document intelligence: HTTP %d: %s", resp.StatusCode, raw)
	}
	return nil, lastErr
}

// document converts the service output. A line is bold when any bold style
// span overlaps one of its spans.
func (r azureResult) document() *Document {
	doc := &Document{}
	if r.AnalyzeResult == nil {
		return doc
	}

	var bold []azureSpan
	for _, st := range r.AnalyzeResult.Styles {
		if strings.EqualFold(st.FontWeight, "bold") {
			bold = append(bold, st.Spans...)
		}
	}
	sort.Slice(bold, func(i, j int) bool { return bold[i].Offset < bold[j].Offset })

	for i, p := range r.AnalyzeResult.Pages {
		page := Page{Number: p.PageNumber}
		if page.Number == 0 {
			page.Number = i + 1
		}
		for _, l := range p.Lines {
			page.Lines = append(page.Lines, Line{Text: l.Content, Bold: overlapsAny(l.Spans, bold)})
		}
		doc.Pages = append(doc.Pages, page)
	}
	return doc
}

func overlapsAny(spans, bold []azureSpan) bool {
	for _, s := range spans {
		for _, b := range bold {
			if b.Offset >= s.Offset+s.Length {
				break
			}
			if b.Offset+b.Length > s.Offset {
				return true
			}
		}
	}
	return false
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/nv-mldev/email-agent/internal/blob"
	"github.com/nv-mldev/email-agent/internal/bus"
	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/stage"
	"github.com/nv-mldev/email-agent/internal/storage"
)

const testToken = "test-token-12345"

type mockPoller struct {
	n     int
	err   error
	calls int
}

func (m *mockPoller) PollOnce(context.Context) (int, error) {
	m.calls++
	return m.n, m.err
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	hub     *bus.Hub
	poller  *mockPoller
}

func setupAppHandler(t *testing.T, token string) testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.NewSQL(store, 0)
	hub := bus.NewHub()
	t.Cleanup(hub.Close)
	poller := &mockPoller{n: 2}

	h := NewAppHandler(AppDeps{
		Store:     store,
		Poller:    poller,
		Redriver:  stage.NewRedriver(store, b, "", ""),
		Confirmer: stage.NewConfirmer(store, b),
		Events:    hub,
		Token:     token,
	})
	return testEnv{handler: h, store: store, hub: hub, poller: poller}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// seedRecord creates a record and walks it through statuses.
func seedRecord(t *testing.T, store *storage.Store, imid string, statuses ...pipeline.Status) pipeline.Record {
	t.Helper()
	ctx := context.Background()
	rec, _, err := store.CreateIfAbsent(ctx, pipeline.Record{
		InternetMessageID: imid,
		MailboxMessageID:  "mbx-" + imid,
		Sender:            "shipper@example.com",
		Subject:           "Docs " + imid,
		Role:              pipeline.RoleTo,
		Attachments:       []pipeline.Attachment{{OriginalFilename: "a.pdf", StoragePath: "s/m/a.pdf"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range statuses {
		rec, err = store.Update(ctx, rec.ID, func(r *pipeline.Record) error {
			r.Status = s
			return nil
		})
		if err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	return rec
}

var toPending = []pipeline.Status{
	pipeline.StatusParsing, pipeline.StatusParsed, pipeline.StatusAnalyzing, pipeline.StatusPendingConfirmation,
}

func serve(env testEnv, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return body.Error.Type
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	env := setupAppHandler(t, testToken)
	rr := serve(env, authReq(http.MethodGet, "/api/records", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := errorType(t, rr); got != "authentication_error" {
		t.Errorf("error type = %q", got)
	}

	rr = serve(env, authReq(http.MethodGet, "/api/records?access_token="+testToken, "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("query token: status = %d", rr.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	env := setupAppHandler(t, testToken)
	rr := serve(env, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rr.Code, rr.Body.String())
	}
}

func TestListRecords(t *testing.T) {
	env := setupAppHandler(t, testToken)
	seedRecord(t, env.store, "<l1@x>")
	seedRecord(t, env.store, "<l2@x>", pipeline.StatusParsing, pipeline.StatusFailedParsing)

	rr := serve(env, authReq(http.MethodGet, "/api/records", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var all []RecordSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d records, want 2", len(all))
	}
	if all[0].Attachments != 1 {
		t.Errorf("attachments = %d", all[0].Attachments)
	}

	rr = serve(env, authReq(http.MethodGet, "/api/records?status=FAILED_PARSING", "", testToken))
	var failed []RecordSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &failed); err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].InternetMessageID != "<l2@x>" {
		t.Errorf("filtered = %+v", failed)
	}

	rr = serve(env, authReq(http.MethodGet, "/api/records?status=LOST", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: code = %d", rr.Code)
	}
}

func TestListRecords_EmptyIsArray(t *testing.T) {
	env := setupAppHandler(t, testToken)
	rr := serve(env, authReq(http.MethodGet, "/api/records", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rr.Body.String())
	}
}

func TestGetRecord(t *testing.T) {
	env := setupAppHandler(t, testToken)
	rec := seedRecord(t, env.store, "<g1@x>")

	rr := serve(env, authReq(http.MethodGet, "/api/records/"+itoa(rec.ID), "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got pipeline.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.InternetMessageID != "<g1@x>" || len(got.Attachments) != 1 {
		t.Errorf("record = %+v", got)
	}

	if rr := serve(env, authReq(http.MethodGet, "/api/records/999", "", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("missing record: code = %d", rr.Code)
	}
	if rr := serve(env, authReq(http.MethodGet, "/api/records/abc", "", testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id: code = %d", rr.Code)
	}
}

func TestStats(t *testing.T) {
	env := setupAppHandler(t, testToken)
	seedRecord(t, env.store, "<s1@x>")
	seedRecord(t, env.store, "<s2@x>")

	rr := serve(env, authReq(http.MethodGet, "/api/stats", "", testToken))
	var counts map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if counts["RECEIVED"] != 2 || counts["COMPLETE"] != 0 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := counts["ARCHIVED_CC"]; !ok {
		t.Error("every status should be reported")
	}
}

func TestFetch(t *testing.T) {
	env := setupAppHandler(t, testToken)
	rr := serve(env, authReq(http.MethodPost, "/api/fetch", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"new_emails":2`) {
		t.Fatalf("fetch = %d %s", rr.Code, rr.Body.String())
	}
	if env.poller.calls != 1 {
		t.Errorf("poll calls = %d", env.poller.calls)
	}

	env.poller.err = errors.New("imap down")
	if rr := serve(env, authReq(http.MethodPost, "/api/fetch", "", testToken)); rr.Code != http.StatusBadGateway {
		t.Errorf("failing poll: code = %d", rr.Code)
	}
}

func TestConfirm(t *testing.T) {
	env := setupAppHandler(t, testToken)
	rec := seedRecord(t, env.store, "<c1@x>", toPending...)

	body := `{"project_name":"Harbour","project_id":"PRJ-7","is_new_enquiry":false}`
	rr := serve(env, authReq(http.MethodPost, "/api/records/"+itoa(rec.ID)+"/confirm", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got, err := env.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != pipeline.StatusComplete || got.BusinessID != "PRJ-7" || got.IsNewEnquiry == nil || *got.IsNewEnquiry {
		t.Errorf("record = %+v", got)
	}

	rr = serve(env, authReq(http.MethodPost, "/api/records/"+itoa(rec.ID)+"/confirm", body, testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("second confirm: code = %d", rr.Code)
	}
	rr = serve(env, authReq(http.MethodPost, "/api/records/"+itoa(rec.ID)+"/confirm", "{", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad body: code = %d", rr.Code)
	}
}

func TestRedrive(t *testing.T) {
	env := setupAppHandler(t, testToken)
	failed := seedRecord(t, env.store, "<r1@x>", pipeline.StatusParsing, pipeline.StatusFailedParsing)
	done := seedRecord(t, env.store, "<r2@x>", toPending...)

	rr := serve(env, authReq(http.MethodPost, "/api/records/"+itoa(failed.ID)+"/redrive", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"RECEIVED"`) {
		t.Fatalf("redrive = %d %s", rr.Code, rr.Body.String())
	}
	jobs, err := env.store.ListJobs(context.Background(), "email.parse", "")
	if err != nil || len(jobs) != 1 {
		t.Errorf("parse jobs = %v, %v", jobs, err)
	}

	rr = serve(env, authReq(http.MethodPost, "/api/records/"+itoa(done.ID)+"/redrive", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("pending record: code = %d", rr.Code)
	}
	if got := errorType(t, rr); got != "conflict" {
		t.Errorf("error type = %q", got)
	}
}

func TestBlobs_SignedURL(t *testing.T) {
	dir := t.TempDir()
	fs, err := blob.NewFS(dir, "http://example.test/blobs", []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p, err := fs.Put(ctx, "s/m/a.pdf", []byte("%PDF-1.7"))
	if err != nil {
		t.Fatal(err)
	}
	u, err := fs.ReadURL(ctx, p, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	h := NewAppHandler(AppDeps{Store: store, Blobs: fs.Handler(), Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(u, "http://example.test"), nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "%PDF-1.7" {
		t.Fatalf("blob = %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/blobs/s/m/a.pdf", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("unsigned blob: code = %d", rr.Code)
	}
	if _, err := os.Stat(filepath.Join(dir, "s", "m", "a.pdf")); err != nil {
		t.Fatal(err)
	}
}

func TestEvents_WebsocketRelay(t *testing.T) {
	env := setupAppHandler(t, testToken)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=" + testToken
	ws, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := pipeline.Record{ID: 7, Subject: "Docs", Status: pipeline.StatusParsed}
	env.hub.Broadcast(pipeline.NewRecordEvent(pipeline.EventEmailParsed, rec))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got pipeline.Event
	if err := websocket.JSON.Receive(ws, &got); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Type != pipeline.EventEmailParsed {
		t.Errorf("event type = %q", got.Type)
	}
	var payload pipeline.RecordEvent
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload.RecordID != 7 {
		t.Errorf("payload = %s (%v)", got.Payload, err)
	}
}

func TestEvents_RequiresToken(t *testing.T) {
	env := setupAppHandler(t, testToken)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, err := websocket.Dial(wsURL, "", srv.URL); err == nil {
		t.Fatal("expected handshake failure without token")
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

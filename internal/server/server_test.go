package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/kbase/internal/audit"
	"github.com/nickcecere/kbase/internal/config"
	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/kb/kbtest"
	"github.com/nickcecere/kbase/internal/llm"
	"github.com/nickcecere/kbase/internal/store"
)

type echoLLM struct{}

func (echoLLM) Complete(_ context.Context, messages []llm.Message, _ llm.CompletionOptions) (string, error) {
	return fmt.Sprintf("answer based on %d", strings.Count(messages[len(messages)-1].Content, "[source:")), nil
}

func (echoLLM) CompleteStream(context.Context, []llm.Message, llm.CompletionOptions) (<-chan string, <-chan error) {
	c, e := make(chan string), make(chan error)
	close(c)
	close(e)
	return c, e
}

func (echoLLM) Provider() llm.Provider { return "echo" }
func (echoLLM) ModelName() string      { return "echo" }

// memAudit keeps entries in memory, newest first.
type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *memAudit) Record(_ context.Context, action string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append([]audit.Entry{{ID: int64(len(a.entries) + 1), Action: action, Detail: detail}}, a.entries...)
	return nil
}

func (a *memAudit) List(_ context.Context, opts audit.ListOptions) ([]audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Entry
	for _, e := range a.entries {
		if opts.Action == "" || e.Action == opts.Action {
			out = append(out, e)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (a *memAudit) Close() error { return nil }

type testServer struct {
	*httptest.Server
	kb *kb.Manager
}

func newTestServer(t *testing.T, withLLM bool) *testServer {
	t.Helper()
	mgr, _ := kbtest.Open(t, &memAudit{})
	var qa *llm.QAService
	if withLLM {
		qa = llm.NewQAService(echoLLM{}, mgr)
	}
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", DefaultK: 3}, mgr, indexer.New(mgr, config.DefaultConfig()), qa)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, kb: mgr}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (ts *testServer) addChunks(t *testing.T, chunks ...store.Chunk) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/v1/documents", addDocumentRequest{Chunks: chunks})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out addDocumentResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out.DocID
}

func chunk(text string, md store.Metadata) store.Chunk {
	return store.Chunk{Text: text, Metadata: md}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	resp, body := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","documents":0}`, string(body))

	resp, body = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kbase_documents")
}

func TestDocumentLifecycle(t *testing.T) {
	ts := newTestServer(t, false)

	id := ts.addChunks(t,
		chunk("first page about vacations", store.Metadata{filter.KeySourceFile: "hr.txt", filter.KeyAuthor: "ann"}),
		chunk("second page about sick leave", store.Metadata{filter.KeySourceFile: "hr.txt", filter.KeyAuthor: "ann"}),
	)
	require.NotEmpty(t, id)

	resp, body := ts.do(t, http.MethodGet, "/v1/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Documents []kb.DocumentInfo `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Documents, 1)
	assert.Equal(t, id, list.Documents[0].ID)
	assert.Equal(t, 2, list.Documents[0].Chunks)
	assert.Equal(t, "ann", list.Documents[0].Author)

	resp, body = ts.do(t, http.MethodGet, "/v1/documents/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc documentResponse
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Chunks, 2)
	assert.Equal(t, "second page about sick leave", doc.Chunks[1].Text)
	assert.Contains(t, doc.Files, "chunks.jsonl")

	resp, _ = ts.do(t, http.MethodDelete, "/v1/documents/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodDelete, "/v1/documents/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, kberr.CodeStoreDocumentNotFound, errResp.Code)

	resp, _ = ts.do(t, http.MethodGet, "/v1/documents/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddDocumentErrors(t *testing.T) {
	ts := newTestServer(t, false)

	resp, _ := ts.do(t, http.MethodPost, "/v1/documents", `{"chunks":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "no chunks")

	resp, _ = ts.do(t, http.MethodPost, "/v1/documents", `{"chunks":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "broken json")
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t, false)

	upload := func(name, content, metadata string) (*http.Response, []byte) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		fw.Write([]byte(content))
		if metadata != "" {
			require.NoError(t, mw.WriteField("metadata", metadata))
		}
		require.NoError(t, mw.Close())

		resp, err := http.Post(ts.URL+"/v1/documents", mw.FormDataContentType(), &buf)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		return resp, body.Bytes()
	}

	resp, body := upload("guide.md", "# Guide\n\nRestart the router when the light blinks.", `{"author":"ops","expiration_date":"2999-01-01"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out addDocumentResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Chunks)

	info, chunks, ok := ts.kb.Document(out.DocID)
	require.True(t, ok)
	assert.Equal(t, "guide.md", info.SourceFile)
	assert.Equal(t, "ops", chunks[0].Metadata.String(filter.KeyAuthor))
	files, err := ts.kb.Files(out.DocID)
	require.NoError(t, err)
	assert.Contains(t, files, "guide.md")

	resp, body = upload("copy.md", "# Guide\n\nRestart the router when the light blinks.", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"skipped":true`)

	resp, _ = upload("data.csv", "a,b\n1,2", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = upload("bad.txt", "text", `{"expiration_date":"next week"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = upload("meta.txt", "text", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t, false)
	ts.addChunks(t, chunk("router restart instructions", store.Metadata{filter.KeyAuthor: "ops"}))
	ts.addChunks(t, chunk("holiday calendar", store.Metadata{filter.KeyAuthor: "hr"}))

	search := func(body any) (int, searchResponse) {
		resp, raw := ts.do(t, http.MethodPost, "/v1/search", body)
		var out searchResponse
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.Unmarshal(raw, &out))
		}
		return resp.StatusCode, out
	}

	status, out := search(searchRequest{Query: "router restart", K: 1})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "router restart instructions", out.Results[0].Chunk.Text)

	status, out = search(searchRequest{Query: "router restart", Filters: map[string]any{"author": "hr"}})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "holiday calendar", out.Results[0].Chunk.Text)

	status, out = search(searchRequest{Query: "anything", Filters: map[string]any{"author": "nobody"}})
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)

	status, _ = search(searchRequest{Query: "x", Filters: map[string]any{"expiration_date_gt": "soon"}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = search(map[string]any{"k": 3})
	assert.Equal(t, http.StatusBadRequest, status, "query is required")

	status, _ = search(map[string]any{"query": "x", "k": -1})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAsk(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, false)
		resp, _ := ts.do(t, http.MethodPost, "/v1/ask", askRequest{Question: "q"})
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	})

	t.Run("answers", func(t *testing.T) {
		ts := newTestServer(t, true)
		ts.addChunks(t, chunk("router restart instructions", store.Metadata{
			filter.KeySourceFile: "ops.md", filter.KeyExpirationDate: "2999-12-31",
		}))

		resp, body := ts.do(t, http.MethodPost, "/v1/ask", askRequest{Question: "how to restart the router?"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var out llm.QAResult
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, "answer based on 1", out.Answer)
		require.Len(t, out.Sources, 1)
		assert.Equal(t, "ops.md", out.Sources[0].String(filter.KeySourceFile))
	})

	t.Run("question is required", func(t *testing.T) {
		ts := newTestServer(t, true)
		resp, _ := ts.do(t, http.MethodPost, "/v1/ask", `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestExportAndHistory(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.addChunks(t, chunk("alpha", nil), chunk("beta", store.Metadata{"n": 1}))

	resp, body := ts.do(t, http.MethodGet, "/v1/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var records []kb.ExportRecord
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var rec kb.ExportRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, id, records[0].DocID)
	assert.Equal(t, "alpha", records[0].Text)

	resp, body = ts.do(t, http.MethodGet, "/v1/history?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		Entries []audit.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, audit.ActionExportAll, hist.Entries[0].Action)

	resp, body = ts.do(t, http.MethodGet, "/v1/history?action="+audit.ActionAddDocument, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.Entries, 1)

	resp, _ = ts.do(t, http.MethodGet, "/v1/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, false)
	ts.addChunks(t, chunk("one", nil), chunk("two", nil))

	resp, body := ts.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st kb.Stats
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Documents)
	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, 2, st.Vectors)
	assert.Equal(t, kbtest.Dim, st.Dimension)
}

func TestCORS(t *testing.T) {
	mgr, _ := kbtest.Open(t, nil)
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", AllowedOrigins: []string{"https://app.example.com"}}, mgr, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodOptions, "/v1/search", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/search", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

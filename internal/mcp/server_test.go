package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/kbase/internal/config"
	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/kb/kbtest"
	"github.com/nickcecere/kbase/internal/llm"
	"github.com/nickcecere/kbase/internal/store"
)

// scriptedLLM always answers with the same text.
type scriptedLLM struct{ answer string }

func (s scriptedLLM) Complete(context.Context, []llm.Message, llm.CompletionOptions) (string, error) {
	return s.answer, nil
}

func (s scriptedLLM) CompleteStream(context.Context, []llm.Message, llm.CompletionOptions) (<-chan string, <-chan error) {
	c, e := make(chan string, 1), make(chan error)
	c <- s.answer
	close(c)
	close(e)
	return c, e
}

func (scriptedLLM) Provider() llm.Provider { return "scripted" }
func (scriptedLLM) ModelName() string      { return "scripted" }

type env struct {
	kb  *kb.Manager
	ing *indexer.Indexer
	qa  *llm.QAService
	cfg *config.Config
}

func newEnv(t *testing.T, withLLM bool) *env {
	t.Helper()
	mgr, _ := kbtest.Open(t, nil)
	cfg := config.DefaultConfig()
	e := &env{kb: mgr, ing: indexer.New(mgr, cfg), cfg: cfg}
	if withLLM {
		e.qa = llm.NewQAService(scriptedLLM{answer: "Vacation is 20 days."}, mgr)
	}
	return e
}

// roundTrip feeds requests to a server and returns the decoded responses.
func (e *env) roundTrip(t *testing.T, requests ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	srv := NewServer(e.kb, e.ing, e.qa, e.cfg,
		WithIO(strings.NewReader(strings.Join(requests, "\n")+"\n"), &out),
		WithVersion("1.2.3"))
	require.NoError(t, srv.Run(context.Background()))

	var responses []Response
	sc := bufio.NewScanner(&out)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var r Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		responses = append(responses, r)
	}
	return responses
}

func call(id int, tool string, args map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": id, "method": "tools/call",
		"params": map[string]any{"name": tool, "arguments": args},
	})
	return string(b)
}

// toolText decodes a tools/call result.
func toolText(t *testing.T, r Response) (string, bool) {
	t.Helper()
	require.Nil(t, r.Error)
	raw, err := json.Marshal(r.Result)
	require.NoError(t, err)
	var res CallToolResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Content, 1)
	return res.Content[0].Text, res.IsError
}

func (e *env) add(t *testing.T, text string, md store.Metadata) string {
	t.Helper()
	if md == nil {
		md = store.Metadata{}
	}
	md[filter.KeySourceFile] = "doc.txt"
	md[filter.KeyPage] = 1
	id, err := e.kb.AddDocument(context.Background(), kb.AddRequest{
		Chunks: []store.Chunk{{Text: text, Metadata: md}},
	})
	require.NoError(t, err)
	return id
}

func TestInitializeAndList(t *testing.T) {
	e := newEnv(t, false)
	responses := e.roundTrip(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
	)
	require.Len(t, responses, 3, "notifications get no response")

	raw, _ := json.Marshal(responses[0].Result)
	var init InitializeResult
	require.NoError(t, json.Unmarshal(raw, &init))
	assert.Equal(t, MCPVersion, init.ProtocolVersion)
	assert.Equal(t, implementation{Name: "kbase", Version: "1.2.3"}, init.ServerInfo)
	assert.NotNil(t, init.Capabilities.Tools)

	raw, _ = json.Marshal(responses[1].Result)
	var list ListToolsResult
	require.NoError(t, json.Unmarshal(raw, &list))
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolSearch, ToolAsk, ToolAddFile, ToolDelete, ToolExport, ToolList}, names)
}

func TestProtocolErrors(t *testing.T) {
	e := newEnv(t, false)
	responses := e.roundTrip(t,
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":"oops"}`,
		call(9, "kb_nope", nil),
	)
	require.Len(t, responses, 4)
	assert.Equal(t, ErrorCodeParse, responses[0].Error.Code)
	assert.Equal(t, ErrorCodeMethodNotFound, responses[1].Error.Code)
	assert.Equal(t, ErrorCodeInvalidParams, responses[2].Error.Code)

	text, isErr := toolText(t, responses[3])
	assert.True(t, isErr)
	assert.Contains(t, text, "Unknown tool")
}

func TestSearchTool(t *testing.T) {
	e := newEnv(t, false)
	e.add(t, "vacation policy for employees", store.Metadata{filter.KeyAuthor: "hr"})
	e.add(t, "quarterly revenue report", store.Metadata{filter.KeyAuthor: "finance"})

	responses := e.roundTrip(t,
		call(1, ToolSearch, map[string]any{"query": "vacation policy", "k": 1}),
		call(2, ToolSearch, map[string]any{"query": "report", "filters": map[string]any{"author": "nobody"}}),
		call(3, ToolSearch, map[string]any{"query": "x", "filters": map[string]any{"bogus": 1}}),
		call(4, ToolSearch, map[string]any{}),
	)
	require.Len(t, responses, 4)

	text, isErr := toolText(t, responses[0])
	assert.False(t, isErr)
	assert.Contains(t, text, "Found 1 results")
	assert.Contains(t, text, "vacation policy for employees")

	text, isErr = toolText(t, responses[1])
	assert.False(t, isErr)
	assert.Equal(t, "No results found.", text)

	_, isErr = toolText(t, responses[2])
	assert.True(t, isErr)

	text, isErr = toolText(t, responses[3])
	assert.True(t, isErr)
	assert.Contains(t, text, "query is required")
}

func TestAskTool(t *testing.T) {
	t.Run("without an LLM", func(t *testing.T) {
		e := newEnv(t, false)
		text, isErr := toolText(t, e.roundTrip(t, call(1, ToolAsk, map[string]any{"question": "q"}))[0])
		assert.True(t, isErr)
		assert.Contains(t, text, "no LLM")
	})

	t.Run("answers with sources", func(t *testing.T) {
		e := newEnv(t, true)
		e.add(t, "vacation policy", store.Metadata{filter.KeyExpirationDate: "2999-01-01"})

		text, isErr := toolText(t, e.roundTrip(t, call(1, ToolAsk, map[string]any{"question": "vacation policy?"}))[0])
		assert.False(t, isErr)
		assert.Contains(t, text, "Vacation is 20 days.")
		assert.Contains(t, text, "- doc.txt page 1")
	})

	t.Run("expired documents are ignored", func(t *testing.T) {
		e := newEnv(t, true)
		e.add(t, "vacation policy", store.Metadata{filter.KeyExpirationDate: "2001-01-01"})

		text, isErr := toolText(t, e.roundTrip(t, call(1, ToolAsk, map[string]any{"question": "vacation policy?"}))[0])
		assert.False(t, isErr)
		assert.Equal(t, llm.NoInformationAnswer, text)
	})
}

func TestAddListDeleteExport(t *testing.T) {
	e := newEnv(t, false)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes\n\nThe office opens at nine."), 0o644))
	exportPath := filepath.Join(dir, "out", "export.jsonl")

	responses := e.roundTrip(t,
		call(1, ToolAddFile, map[string]any{"path": path, "metadata": map[string]any{"author": "ann"}}),
		call(2, ToolAddFile, map[string]any{"path": path}),
		call(3, ToolList, nil),
		call(4, ToolExport, map[string]any{"path": exportPath}),
		call(5, ToolAddFile, map[string]any{"path": filepath.Join(dir, "missing.txt")}),
	)
	require.Len(t, responses, 5)

	text, isErr := toolText(t, responses[0])
	require.False(t, isErr, text)
	assert.Contains(t, text, "Added")

	text, _ = toolText(t, responses[1])
	assert.Contains(t, text, "Skipped")

	docs := e.kb.Documents()
	require.Len(t, docs, 1)
	text, _ = toolText(t, responses[2])
	assert.Contains(t, text, docs[0].ID)
	assert.Contains(t, text, "author ann")

	text, isErr = toolText(t, responses[3])
	assert.False(t, isErr)
	assert.Contains(t, text, "Exported 1 chunks")
	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "office opens at nine")

	_, isErr = toolText(t, responses[4])
	assert.True(t, isErr)

	responses = e.roundTrip(t,
		call(1, ToolDelete, map[string]any{"doc_id": docs[0].ID}),
		call(2, ToolDelete, map[string]any{"doc_id": docs[0].ID}),
		call(3, ToolList, nil),
	)
	text, isErr = toolText(t, responses[0])
	assert.False(t, isErr)
	assert.Contains(t, text, "Deleted")

	_, isErr = toolText(t, responses[1])
	assert.True(t, isErr)

	text, _ = toolText(t, responses[2])
	assert.Equal(t, "The knowledge base is empty.", text)
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"a": float64(3), "b": "7", "c": "x", "d": true}
	assert.Equal(t, 3, intArg(args, "a", 1))
	assert.Equal(t, 7, intArg(args, "b", 1))
	assert.Equal(t, 1, intArg(args, "c", 1))
	assert.Equal(t, 1, intArg(args, "d", 1))
	assert.Equal(t, 1, intArg(args, "missing", 1))
}

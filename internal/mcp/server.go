package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/kbase/internal/config"
	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/nickcecere/kbase/internal/filter"
	"github.com/nickcecere/kbase/internal/indexer"
	"github.com/nickcecere/kbase/internal/kb"
	"github.com/nickcecere/kbase/internal/llm"
	"github.com/nickcecere/kbase/internal/store"
)

const (
	// MCPVersion is the protocol version we support.
	MCPVersion = "2024-11-05"

	// ServerName is the name of this MCP server.
	ServerName = "kbase"
)

// Tool names.
const (
	ToolSearch  = "kb_search"
	ToolAsk     = "kb_ask"
	ToolAddFile = "kb_add_file"
	ToolDelete  = "kb_delete"
	ToolExport  = "kb_export"
	ToolList    = "kb_list"
)

// maxSnippet caps the characters of chunk text shown per search hit.
const maxSnippet = 500

// Server is the MCP server for the knowledge base.
type Server struct {
	kb      *kb.Manager
	indexer *indexer.Indexer
	qa      *llm.QAService // nil without an LLM
	cfg     *config.Config
	version string

	// Stdin/stdout for communication
	reader *bufio.Reader
	writer io.Writer

	// State
	initialized bool
}

// Option configures the server.
type Option func(*Server)

// WithIO replaces stdin and stdout.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(s *Server) {
		s.reader = bufio.NewReader(r)
		s.writer = w
	}
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new MCP server. qa may be nil, in which case kb_ask
// reports that no LLM is configured.
func NewServer(mgr *kb.Manager, ing *indexer.Indexer, qa *llm.QAService, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		kb:      mgr,
		indexer: ing,
		qa:      qa,
		cfg:     cfg,
		version: "dev",
		reader:  bufio.NewReader(os.Stdin),
		writer:  os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the MCP server and processes requests until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log.Info("MCP server starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Read a line from stdin
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				log.Info("MCP server received EOF, shutting down")
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Parse the request
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(nil, ErrorCodeParse, "Parse error", err.Error())
			continue
		}

		// Handle the request
		s.handleRequest(ctx, req)
	}
}

// handleRequest processes a single MCP request.
func (s *Server) handleRequest(ctx context.Context, req Request) {
	log.Debug("Received request", "method", req.Method, "id", req.ID)

	var result any
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(req.Params)
	case "initialized", "notifications/initialized":
		// This is a notification, no response needed
		s.initialized = true
		log.Info("MCP server initialized")
		return
	case "tools/list":
		result = s.handleListTools()
	case "tools/call":
		result, err = s.handleCallTool(ctx, req.Params)
	case "ping":
		result = map[string]any{}
	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			return
		}
		s.sendError(req.ID, ErrorCodeMethodNotFound, "Method not found", req.Method)
		return
	}

	if err != nil {
		s.sendError(req.ID, ErrorCodeInvalidParams, "Invalid params", err.Error())
		return
	}

	s.sendResult(req.ID, result)
}

// handleInitialize handles the initialize request.
func (s *Server) handleInitialize(params json.RawMessage) (*InitializeResult, error) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	log.Info("Initializing MCP server",
		"clientName", p.ClientInfo.Name,
		"clientVersion", p.ClientInfo.Version,
		"protocolVersion", p.ProtocolVersion,
	)

	return &InitializeResult{
		ProtocolVersion: MCPVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   implementation{Name: ServerName, Version: s.version},
		Instructions: "Search the knowledge base with kb_search or get a cited answer with kb_ask. Dates are YYYY-MM-DD.",
	}, nil
}

var filtersProperty = Property{
	Type: "object",
	Description: "Optional filters: author, tag (string or list), keyword, expiration_date_gt, " +
		"expiration_date_start, expiration_date_end (YYYY-MM-DD), or metadata.<key> for exact matches",
}

// handleListTools returns the list of available tools.
func (s *Server) handleListTools() *ListToolsResult {
	tools := []Tool{
		{
			Name:        ToolSearch,
			Description: "Semantic search over the knowledge base. Returns the most similar chunks with their source.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":   {Type: "string", Description: "The search query in natural language"},
					"k":       {Type: "integer", Description: "Maximum number of results", Default: s.cfg.KnowledgeBase.DefaultK, Minimum: minimum(1)},
					"filters": filtersProperty,
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        ToolAsk,
			Description: "Answer a question from the knowledge base, citing the source documents. Expired documents are ignored unless an expiration range is given.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"question": {Type: "string", Description: "The question to answer"},
					"k":        {Type: "integer", Description: "Number of chunks used as context", Default: llm.DefaultQAOptions().MaxContextChunks, Minimum: minimum(1)},
					"filters":  filtersProperty,
				},
				Required: []string{"question"},
			},
		},
		{
			Name:        ToolAddFile,
			Description: "Add a text, markdown, HTML or image file to the knowledge base.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"path":     {Type: "string", Description: "Path of the file to add"},
					"metadata": {Type: "object", Description: "Metadata for every chunk, e.g. author and expiration_date (YYYY-MM-DD)"},
					"force":    {Type: "boolean", Description: "Add even if the same content is already stored", Default: false},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        ToolDelete,
			Description: "Delete a document and its chunks from the knowledge base.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"doc_id": {Type: "string", Description: "Id of the document to delete"},
				},
				Required: []string{"doc_id"},
			},
		},
		{
			Name:        ToolExport,
			Description: "Export every chunk as JSON lines ({doc_id, text, metadata}) to a file.",
			InputSchema: JSONSchema{
				Type: "object",
				Properties: map[string]Property{
					"path": {Type: "string", Description: "Destination file"},
				},
				Required: []string{"path"},
			},
		},
		{
			Name:        ToolList,
			Description: "List the documents in the knowledge base.",
			InputSchema: JSONSchema{Type: "object"},
		},
	}

	return &ListToolsResult{Tools: tools}
}

// handleCallTool executes a tool and returns the result.
func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}

	log.Debug("Calling tool", "name", p.Name, "arguments", p.Arguments)

	switch p.Name {
	case ToolSearch:
		return s.toolSearch(ctx, p.Arguments), nil
	case ToolAsk:
		return s.toolAsk(ctx, p.Arguments), nil
	case ToolAddFile:
		return s.toolAddFile(ctx, p.Arguments), nil
	case ToolDelete:
		return s.toolDelete(ctx, p.Arguments), nil
	case ToolExport:
		return s.toolExport(ctx, p.Arguments), nil
	case ToolList:
		return s.toolList(), nil
	default:
		return textResult(fmt.Sprintf("Unknown tool: %s", p.Name), true), nil
	}
}

// toolSearch performs a semantic search.
func (s *Server) toolSearch(ctx context.Context, args map[string]any) *CallToolResult {
	query, _ := args["query"].(string)
	if query == "" {
		return toolFailure(nil, "query is required")
	}
	spec, err := filtersArg(args)
	if err != nil {
		return toolFailure(err, "invalid filters")
	}

	results, err := s.kb.Search(ctx, query, intArg(args, "k", s.cfg.KnowledgeBase.DefaultK), spec)
	if err != nil {
		return toolFailure(err, "search failed")
	}

	if len(results) == 0 {
		return textResult("No results found.", false)
	}

	// Format results
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d results:\n\n", len(results))
	if results[0].QueryDegraded {
		sb.WriteString("Warning: the embedding provider is unavailable, ranking is arbitrary.\n\n")
	}

	for i, r := range results {
		md := r.Chunk.Metadata
		fmt.Fprintf(&sb, "[%d] %s page %v (doc %s, distance %.4f)\n",
			i+1, md.String(filter.KeySourceFile), md[filter.KeyPage], r.DocID, r.Distance)
		content := r.Chunk.Text
		if runes := []rune(content); len(runes) > maxSnippet {
			content = string(runes[:maxSnippet]) + "..."
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}

	return textResult(sb.String(), false)
}

// toolAsk answers a question with the configured LLM.
func (s *Server) toolAsk(ctx context.Context, args map[string]any) *CallToolResult {
	question, _ := args["question"].(string)
	if question == "" {
		return toolFailure(nil, "question is required")
	}
	if s.qa == nil {
		return toolFailure(nil, "no LLM is configured (llm.provider is none)")
	}
	spec, err := filtersArg(args)
	if err != nil {
		return toolFailure(err, "invalid filters")
	}

	opts := llm.DefaultQAOptions()
	opts.Temperature = s.cfg.LLM.Temperature
	opts.MaxContextChunks = intArg(args, "k", opts.MaxContextChunks)

	res, err := s.qa.Ask(ctx, question, spec, opts)
	if err != nil {
		return toolFailure(err, "answer failed")
	}

	var sb strings.Builder
	sb.WriteString(res.Answer)
	if len(res.Sources) > 0 {
		sb.WriteString("\n\nSources:\n")
		for _, md := range res.Sources {
			fmt.Fprintf(&sb, "- %s page %v\n", md.String(filter.KeySourceFile), md[filter.KeyPage])
		}
	}
	return textResult(strings.TrimRight(sb.String(), "\n"), res.Failed)
}

// toolAddFile ingests one file.
func (s *Server) toolAddFile(ctx context.Context, args map[string]any) *CallToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return toolFailure(nil, "path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return toolFailure(err, "failed to resolve path")
	}

	var md store.Metadata
	if raw, ok := args["metadata"].(map[string]any); ok {
		md = store.Metadata(raw)
	}
	force, _ := args["force"].(bool)

	res, err := s.indexer.IngestFile(ctx, absPath, indexer.Options{Metadata: md, Force: force})
	if err != nil {
		return toolFailure(err, "failed to add %s", absPath)
	}
	if res.Skipped {
		return textResult(fmt.Sprintf("Skipped %s: the same content is already stored", absPath), false)
	}
	return textResult(fmt.Sprintf("Added %s as document %s (%d chunks)", absPath, res.DocID, res.Chunks), false)
}

// toolDelete deletes one document.
func (s *Server) toolDelete(ctx context.Context, args map[string]any) *CallToolResult {
	docID, _ := args["doc_id"].(string)
	if docID == "" {
		return toolFailure(nil, "doc_id is required")
	}

	found, err := s.kb.DeleteDocument(ctx, docID)
	if err != nil {
		return toolFailure(err, "failed to delete %s", docID)
	}
	if !found {
		return textResult(fmt.Sprintf("Document %s not found", docID), true)
	}
	return textResult(fmt.Sprintf("Deleted document %s", docID), false)
}

// toolExport writes the JSONL export.
func (s *Server) toolExport(ctx context.Context, args map[string]any) *CallToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return toolFailure(nil, "path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return toolFailure(err, "failed to resolve path")
	}

	n, err := s.kb.ExportAll(ctx, absPath)
	if err != nil {
		return toolFailure(err, "export failed")
	}
	return textResult(fmt.Sprintf("Exported %d chunks to %s", n, absPath), false)
}

// toolList lists documents.
func (s *Server) toolList() *CallToolResult {
	docs := s.kb.Documents()
	if len(docs) == 0 {
		return textResult("The knowledge base is empty.", false)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d documents:\n", len(docs))
	for _, d := range docs {
		fmt.Fprintf(&sb, "- %s %s (%d chunks", d.ID, d.SourceFile, d.Chunks)
		if d.Author != "" {
			fmt.Fprintf(&sb, ", author %s", d.Author)
		}
		if d.ExpirationDate != "" {
			fmt.Fprintf(&sb, ", expires %s", d.ExpirationDate)
		}
		if len(d.Tags) > 0 {
			fmt.Fprintf(&sb, ", tags %s", strings.Join(d.Tags, ", "))
		}
		sb.WriteString(")\n")
	}
	return textResult(strings.TrimRight(sb.String(), "\n"), false)
}

// filtersArg parses the optional "filters" object.
func filtersArg(args map[string]any) (filter.Spec, error) {
	raw, ok := args["filters"]
	if !ok || raw == nil {
		return nil, nil
	}
	params, ok := raw.(map[string]any)
	if !ok {
		return nil, kberr.Classify(kberr.ErrInvalidFilter, kberr.CodeFilterParseInvalid, nil,
			"filters must be an object")
	}
	return filter.Parse(params)
}

// intArg reads a numeric argument that clients may send as a number or a
// string.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case string:
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// sendResult sends a successful response.
func (s *Server) sendResult(id any, result any) {
	s.send(resultResponse(id, result))
}

// sendError sends an error response.
func (s *Server) sendError(id any, code int, message, data string) {
	s.send(errorResponse(id, code, message, data))
}

// send writes a response to stdout.
func (s *Server) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to marshal response", "error", err)
		return
	}
	fmt.Fprintln(s.writer, string(data))
}

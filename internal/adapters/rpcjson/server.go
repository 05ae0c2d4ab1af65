// Package rpcjson serves the policy service over JSON-RPC 2.0 on a unix
// socket, for local tooling that talks to a running server without HTTP.
package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/kwilcz/traceflow/internal/application"
	"github.com/kwilcz/traceflow/internal/domain"
)

type Server struct {
	service  *application.PolicyService
	listener net.Listener
	path     string
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func Start(path string, service *application.PolicyService) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	s := &Server{service: service, listener: ln, path: path}
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(context.Background(), req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32600, Message: "invalid request"}, ID: req.ID}
	}

	switch req.Method {
	case "policies.consolidate":
		return s.handleConsolidate(ctx, req)
	case "traces.parse":
		return s.handleParseTrace(ctx, req)
	case "flows.group":
		return s.handleGroupFlows(ctx, req)
	case "flows.logs":
		return s.handleFlowLogs(ctx, req)
	case "runs.consolidations":
		return s.handleListConsolidationRuns(ctx, req)
	case "runs.traces":
		return s.handleListTraceParseRuns(ctx, req)
	default:
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32601, Message: "method not found"}, ID: req.ID}
	}
}

type consolidateParams struct {
	Files []domain.PolicyFile `json:"files"`
}

func (s *Server) handleConsolidate(ctx context.Context, req request) response {
	var params consolidateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	result, err := s.service.ConsolidatePolicies(ctx, params.Files)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID}
	}
	return response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

type traceParams struct {
	Logs []domain.LogRecord `json:"logs"`
}

func (s *Server) handleParseTrace(ctx context.Context, req request) response {
	var params traceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	result, err := s.service.ParseTraceLogs(ctx, params.Logs)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID}
	}
	return response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func (s *Server) handleGroupFlows(ctx context.Context, req request) response {
	var params traceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	return response{JSONRPC: "2.0", Result: s.service.GroupFlows(ctx, params.Logs), ID: req.ID}
}

func (s *Server) handleFlowLogs(ctx context.Context, req request) response {
	var params struct {
		FlowID string             `json:"flowId"`
		Logs   []domain.LogRecord `json:"logs"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	logs, err := s.service.FlowLogs(ctx, params.Logs, params.FlowID)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32001, Message: err.Error()}, ID: req.ID}
	}
	return response{JSONRPC: "2.0", Result: logs, ID: req.ID}
}

type listParams struct {
	Limit int `json:"limit"`
}

func (s *Server) handleListConsolidationRuns(ctx context.Context, req request) response {
	limit := parseLimit(req.Params)
	runs, err := s.service.ListConsolidationRuns(ctx, limit)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID}
	}
	if runs == nil {
		runs = []domain.ConsolidationRun{}
	}
	return response{JSONRPC: "2.0", Result: runs, ID: req.ID}
}

func (s *Server) handleListTraceParseRuns(ctx context.Context, req request) response {
	limit := parseLimit(req.Params)
	runs, err := s.service.ListTraceParseRuns(ctx, limit)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID}
	}
	if runs == nil {
		runs = []domain.TraceParseRun{}
	}
	return response{JSONRPC: "2.0", Result: runs, ID: req.ID}
}

func parseLimit(raw json.RawMessage) int {
	var params listParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	if params.Limit <= 0 || params.Limit > 500 {
		return 50
	}
	return params.Limit
}

func invalidParams(req request) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: -32602, Message: "invalid params"}, ID: req.ID}
}

package main

import (
	"context"
	"net/http"
	"net/url"

	"github.com/kwilcz/traceflow/internal/domain"
)

func doConsolidate(ctx context.Context, cfg cliConfig, files []domain.PolicyFile, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "policies.consolidate", map[string]any{"files": files}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/policies/consolidate", map[string]any{"files": files}, out)
}

func doParseTrace(ctx context.Context, cfg cliConfig, logs []domain.LogRecord, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "traces.parse", map[string]any{"logs": logs}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/traces/parse", map[string]any{"logs": logs}, out)
}

func doGroupFlows(ctx context.Context, cfg cliConfig, logs []domain.LogRecord, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "flows.group", map[string]any{"logs": logs}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/flows/group", map[string]any{"logs": logs}, out)
}

func doFlowLogs(ctx context.Context, cfg cliConfig, logs []domain.LogRecord, flowID string, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "flows.logs", map[string]any{"flowId": flowID, "logs": logs}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodPost, "/api/flows/"+url.PathEscape(flowID)+"/logs", map[string]any{"logs": logs}, out)
}

func doListConsolidationRuns(ctx context.Context, cfg cliConfig, limit int, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "runs.consolidations", map[string]any{"limit": limit}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, "/api/runs/consolidations?limit="+itoa(limit), nil, out)
}

func doListTraceParseRuns(ctx context.Context, cfg cliConfig, limit int, out any) error {
	if cfg.Transport == "uds" {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "runs.traces", map[string]any{"limit": limit}, out)
	}
	client := newAPIClient(cfg.Server)
	return client.request(ctx, http.MethodGet, "/api/runs/traces?limit="+itoa(limit), nil, out)
}

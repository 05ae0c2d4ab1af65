package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kwilcz/traceflow/internal/adapters/rpcjson"
	"github.com/kwilcz/traceflow/internal/application"
	"github.com/kwilcz/traceflow/internal/domain"
)

func startTestRPCServer(t *testing.T) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "traceflow.sock")
	server, err := rpcjson.Start(socket, application.NewPolicyService(nil, zap.NewNop()))
	if err != nil {
		t.Fatalf("start rpc server: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	return socket
}

func TestRPCClientRoundTrip(t *testing.T) {
	client := newRPCClient(startTestRPCServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logs := []domain.LogRecord{
		{ID: "log-1", CorrelationID: "corr-a", Timestamp: time.Now()},
		{ID: "log-2", CorrelationID: "corr-b", Timestamp: time.Now()},
	}
	var flows []domain.UserFlow
	if err := client.call(ctx, "flows.group", map[string]any{"logs": logs}, &flows); err != nil {
		t.Fatalf("flows.group: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
	if flows[0].ID != "corr-a" || flows[1].ID != "corr-b" {
		t.Fatalf("unexpected flow ids: %q, %q", flows[0].ID, flows[1].ID)
	}
}

func TestRPCClientSurfacesServerErrors(t *testing.T) {
	client := newRPCClient(startTestRPCServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.call(ctx, "no.such.method", nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
	if !strings.Contains(err.Error(), "-32601") || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("error should carry the server's code and message, got %q", err)
	}
}

func TestRPCClientDialFailure(t *testing.T) {
	client := newRPCClient(filepath.Join(t.TempDir(), "missing.sock"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.call(ctx, "flows.group", nil, nil)
	if err == nil {
		t.Fatal("expected a dial error")
	}
	if !strings.Contains(err.Error(), "dial") {
		t.Fatalf("dial failures should name the socket, got %q", err)
	}
}

// Package bustest starts an embedded NATS server for package tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/vozfin/vozfin-core/internal/bus"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/natsserver"
)

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// New starts an embedded server on a random port and returns a connected
// client. Both are torn down with the test.
func New(t testing.TB) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{
		Embedded: true,
		Host:     "127.0.0.1",
		Port:     -1,
		StoreDir: t.TempDir(),
	}, Logger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		RequestTimeout: 2000,
	}, Logger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

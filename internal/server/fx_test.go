package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/app"
	"github.com/JakeFAU/crawl-supervisor/internal/config"
	"github.com/JakeFAU/crawl-supervisor/internal/server"
	"github.com/JakeFAU/crawl-supervisor/internal/worker"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Config{
		Worker:   worker.Config{Concurrency: 2},
		State:    config.StateConfig{Root: "/state"},
		Store:    config.StoreConfig{Driver: config.DriverMemory},
		DocStore: config.DocStoreConfig{Driver: config.DriverMemory},
		Broker:   config.BrokerConfig{Driver: config.DriverMemory, Memory: config.MemoryConfig{Capacity: 4}},
		Server:   config.ServerConfig{ShutdownTimeout: time.Second},
	}
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Self: "/bin/true", Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.New(a).WithAddr("127.0.0.1:0").Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsOnBusyAddress(t *testing.T) {
	cfg := config.Config{
		State:    config.StateConfig{Root: "/state"},
		Store:    config.StoreConfig{Driver: config.DriverMemory},
		DocStore: config.DocStoreConfig{Driver: config.DriverMemory},
		Broker:   config.BrokerConfig{Driver: config.DriverMemory, Memory: config.MemoryConfig{Capacity: 1}},
	}
	a, err := app.New(context.Background(), cfg, nil, app.Options{Self: "/bin/true", Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	err = server.New(a).WithAddr("256.0.0.1:0").Run(context.Background())
	require.Error(t, err)
}

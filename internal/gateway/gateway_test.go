package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adeboyed/Parliament/internal/wire"
	"github.com/adeboyed/Parliament/pkg/types"
)

type fakeSink struct {
	mu      sync.Mutex
	updates []types.WorkerUpdate
}

func (s *fakeSink) Enqueue(u types.WorkerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeSink) all() []types.WorkerUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.WorkerUpdate(nil), s.updates...)
}

// serve runs h on a loopback port and returns its address.
func serve(t *testing.T, name string, h wire.Handler) string {
	t.Helper()
	srv, err := wire.Listen(name, "127.0.0.1:0", h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return srv.Addr().String()
}

var dialer = wire.Dialer{DialTimeout: time.Second, IOTimeout: 2 * time.Second}

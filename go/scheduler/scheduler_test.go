package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/stats"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg = Config{}.withDefaults()
	require.Equal(t, "@every 15m", cfg.Specs[message.SourceMicroblog])
	require.Equal(t, "@every 24h", cfg.Specs[message.SourceGroupchat])
	require.Equal(t, "@every 5m", cfg.HealthSpec)

	cfg = Config{Specs: map[message.Source]string{message.SourceMicroblog: "@every 1m"}}.withDefaults()
	require.Equal(t, "@every 1m", cfg.Specs[message.SourceMicroblog])
	require.Equal(t, "@every 24h", cfg.Specs[message.SourceGroupchat])
}

func TestStartStopLifecycle(t *testing.T) {
	var s = New(stats.NewRegistry(), nil, Config{})

	require.False(t, s.Status().Running)
	require.NoError(t, s.Start())
	require.True(t, s.Status().Running)

	// A second start without a stop is refused.
	require.Error(t, s.Start())

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.False(t, s.Status().Running)

	// Stopping an already-stopped scheduler is a no-op.
	require.NoError(t, s.Stop(ctx))
}

func TestReset(t *testing.T) {
	var s = New(stats.NewRegistry(), nil, Config{})
	require.NoError(t, s.Start())

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Reset(ctx))
	require.True(t, s.Status().Running)
	require.NoError(t, s.Stop(ctx))
}

type okProber struct{}

func (okProber) Healthy(context.Context) error { return nil }

func TestBadHealthSpecFailsFast(t *testing.T) {
	var health = stats.NewHealth(okProber{}, okProber{}, nil)
	var s = New(stats.NewRegistry(), health, Config{HealthSpec: "not a cron spec"})
	require.Error(t, s.Start())
}

func TestRunNowUnknownSource(t *testing.T) {
	var s = New(stats.NewRegistry(), nil, Config{})
	require.Error(t, s.RunNow(message.SourceMicroblog))
}

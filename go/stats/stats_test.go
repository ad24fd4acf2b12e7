package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/stretchr/testify/require"
)

func TestRegistryRecordAndSnapshot(t *testing.T) {
	var r = NewRegistry()

	r.Record(message.RunReport{
		RunID: "run-1", Source: message.SourceMicroblog, Success: true,
		StartedAt: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		Processed: 10, Embedded: 9, Stored: 9, Errors: 1, RequestsUsed: 5,
	})
	r.Record(message.RunReport{
		RunID: "run-2", Source: message.SourceMicroblog, Success: false,
		FatalError: "store down", RateLimited: true,
	})
	r.Record(message.RunReport{
		RunID: "run-3", Source: message.SourceGroupchat, Success: true,
	})

	var snap = r.Snapshot()
	require.Len(t, snap, 2)

	var mb = snap[message.SourceMicroblog]
	require.Equal(t, 2, mb.Runs)
	require.Equal(t, 1, mb.FailedRuns)
	require.Equal(t, 10, mb.Processed)
	require.Equal(t, 9, mb.Stored)
	require.Equal(t, 1, mb.Errors)
	require.Equal(t, 5, mb.RequestsUsed)
	require.Equal(t, 1, mb.RateLimited)
	require.Equal(t, "run-2", mb.LastRunID)
	require.Equal(t, "store down", mb.LastError)
	require.InDelta(t, 0.5, mb.ErrorRate(), 1e-9)

	r.Reset()
	require.Empty(t, r.Snapshot())
}

func TestErrorRateEmpty(t *testing.T) {
	require.Zero(t, SourceStats{}.ErrorRate())
}

type fakeProber struct{ err error }

func (p fakeProber) Healthy(context.Context) error { return p.err }

func TestHealthCheck(t *testing.T) {
	var r = NewRegistry()
	r.Record(message.RunReport{
		RunID: "run-1", Source: message.SourceMicroblog, Success: true,
		StartedAt: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	})

	var h = NewHealth(fakeProber{}, fakeProber{err: errors.New("no key")}, r)
	var report = h.Check(context.Background())

	require.True(t, report.VectorStoreOK)
	require.False(t, report.EmbeddingOK)
	require.Equal(t, "no key", report.Embedding)
	require.False(t, report.OK())
	require.Equal(t,
		time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		report.LastRun[message.SourceMicroblog])

	h = NewHealth(fakeProber{}, fakeProber{}, nil)
	require.True(t, h.Check(context.Background()).OK())
}

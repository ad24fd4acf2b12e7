package main

import (
	"context"
	"fmt"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/boundary"
	"github.com/KASPACOM/ai-agent-sub001/go/config"
	"github.com/KASPACOM/ai-agent-sub001/go/embedding"
	"github.com/KASPACOM/ai-agent-sub001/go/indexer"
	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/rotation"
	"github.com/KASPACOM/ai-agent-sub001/go/sources/groupchat"
	"github.com/KASPACOM/ai-agent-sub001/go/sources/microblog"
	"github.com/KASPACOM/ai-agent-sub001/go/stats"
	"github.com/KASPACOM/ai-agent-sub001/go/transform"
	"github.com/KASPACOM/ai-agent-sub001/go/vectorstore"
)

// boundaryCacheTTL bounds how stale a cached boundary may get between runs.
const boundaryCacheTTL = 5 * time.Minute

// pipeline is the assembled indexing stack shared by the run and serve
// commands.
type pipeline struct {
	store      *vectorstore.Qdrant
	embedder   *embedding.Service
	boundaries *boundary.Index
	states     rotation.Store
	registry   *stats.Registry
	health     *stats.Health
	indexers   []*indexer.Indexer
	closers    []func()
}

// buildPipeline wires every configured source into an indexer over shared
// store, embedding and rotation resources. The caller owns Close.
func buildPipeline(ctx context.Context, cfg config.Config) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	var host, port, useTLS, err = cfg.VectorStore.Endpoint()
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.NewQdrant(vectorstore.Config{
		Host:       host,
		Port:       port,
		APIKey:     cfg.VectorStore.APIKey,
		UseTLS:     useTLS,
		Dimensions: uint64(cfg.Embedding.Dimensions),
	})
	if err != nil {
		return nil, err
	}
	var p = &pipeline{store: store}
	p.closers = append(p.closers, func() { _ = store.Close() })

	if err = store.EnsureCollection(ctx, vectorstore.CollectionSpec{
		Name:       cfg.VectorStore.Collection,
		Dimensions: uint64(cfg.Embedding.Dimensions),
	}); err != nil {
		p.Close()
		return nil, fmt.Errorf("ensuring collection: %w", err)
	}

	provider, err := embedding.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err != nil {
		p.Close()
		return nil, err
	}
	if p.embedder, err = embedding.NewService(provider, embedding.Config{
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		BatchSize:  cfg.ETL.BatchSize,
	}); err != nil {
		p.Close()
		return nil, err
	}

	p.boundaries = boundary.NewIndex(store, cfg.VectorStore.Collection, boundaryCacheTTL)

	if p.states, err = rotation.NewSQLiteStore(cfg.ETL.StateDB); err != nil {
		p.Close()
		return nil, err
	}
	p.closers = append(p.closers, func() { _ = p.states.Close() })

	p.registry = stats.NewRegistry()
	p.health = stats.NewHealth(store, p.embedder, p.registry)

	var ixCfg = indexer.Config{
		Collection:  cfg.VectorStore.Collection,
		Budget:      cfg.ETL.RequestBudget,
		BatchSize:   cfg.ETL.BatchSize,
		Parallelism: cfg.ETL.Parallelism,
	}
	var normalizer = transform.NewNormalizer()

	if cfg.Microblog.Enabled() {
		var adapter, err = microblog.NewAdapter(microblog.Config{
			Bearer:         cfg.Microblog.Bearer,
			Accounts:       cfg.Microblog.AccountList(),
			HistoricalDays: cfg.ETL.MaxHistoricalDays,
		})
		if err != nil {
			p.Close()
			return nil, err
		}
		var policy = rotation.NewPolicy(p.states, rotation.Config{Priorities: cfg.Microblog.PriorityMap()})
		p.indexers = append(p.indexers,
			indexer.New(adapter, normalizer, p.embedder, store, p.boundaries, policy, ixCfg))
	}

	if cfg.Groupchat.Enabled() {
		var api, stop, err = groupchat.DialTelegram(ctx, groupchat.TelegramConfig{
			APIID:   cfg.Groupchat.APIID,
			APIHash: cfg.Groupchat.APIHash,
			Session: cfg.Groupchat.Session,
		})
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closers = append(p.closers, stop)

		adapter, err := groupchat.NewAdapter(groupchat.Config{
			Channels:       channelRefs(cfg.Groupchat.ChannelEntries()),
			HistoricalDays: cfg.ETL.MaxHistoricalDays,
		}, api)
		if err != nil {
			p.Close()
			return nil, err
		}
		var policy = rotation.NewPolicy(p.states, rotation.Config{Priorities: cfg.Groupchat.PriorityMap()})
		p.indexers = append(p.indexers,
			indexer.New(adapter, normalizer, p.embedder, store, p.boundaries, policy, ixCfg))
	}

	return p, nil
}

// Close releases pipeline resources in reverse order of acquisition.
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// indexerFor returns the indexer of |source|, or nil.
func (p *pipeline) indexerFor(source message.Source) *indexer.Indexer {
	for _, ix := range p.indexers {
		if ix.Source() == source {
			return ix
		}
	}
	return nil
}

// channelRefs maps configured channel entries into adapter refs.
func channelRefs(entries []config.ChannelEntry) []groupchat.ChannelRef {
	var out = make([]groupchat.ChannelRef, 0, len(entries))
	for _, e := range entries {
		out = append(out, groupchat.ChannelRef{ID: e.ID, Username: e.Username})
	}
	return out
}

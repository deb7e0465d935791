package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/soyeahso/docchat/internal/agent"
	"github.com/soyeahso/docchat/internal/chunker"
	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/embedder"
	"github.com/soyeahso/docchat/internal/hooks"
	"github.com/soyeahso/docchat/internal/llm"
	"github.com/soyeahso/docchat/internal/loader"
	"github.com/soyeahso/docchat/internal/logging"
	"github.com/soyeahso/docchat/internal/retrieval"
	"github.com/soyeahso/docchat/internal/session"
	"github.com/soyeahso/docchat/internal/store"
	"github.com/soyeahso/docchat/internal/vectorstore"
	"github.com/soyeahso/docchat/internal/vectorstore/postgres"
)

// echoDelay paces streamed answers that are replayed after tool use.
const echoDelay = 15 * time.Millisecond

// app holds the services shared by every session of one process.
type app struct {
	hooks    *hooks.Manager
	sessions *session.Manager
	store    *vectorstore.Guard

	closers []io.Closer
}

// Close releases the stores in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// newLoader builds the document loader. Chunk boundaries follow the chat
// model's tokenizer.
func newLoader(cfg config.Config, p config.Paths, log *logging.Logger) (*loader.Loader, error) {
	tok, err := llm.TokenizerFor(cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	splitter, err := chunker.NewSplitter(tok, cfg.Chunking.SizeTokens, cfg.Chunking.OverlapTokens)
	if err != nil {
		return nil, err
	}
	return loader.New(splitter, log, loader.WithTempDir(p.Uploads)), nil
}

// newEmbedder builds the configured embedding function with retries and a
// query cache in front of it.
func newEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (embedder.Embedder, io.Closer, error) {
	emb, err := embedder.New(ctx, embedder.Options{
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		Endpoint: cfg.Endpoint,
	})
	if err != nil {
		return nil, nil, err
	}
	closer, _ := emb.(io.Closer)

	wrapped := embedder.Embedder(embedder.NewRetrying(emb, cfg.MaxRetries, 500*time.Millisecond))
	if ttl := cfg.CacheTTL(); ttl > 0 {
		wrapped = embedder.NewCached(wrapped, ttl)
	}
	return wrapped, closer, nil
}

// newApp wires the stores, model clients and session manager from config.
func newApp(ctx context.Context, cfg config.Config, p config.Paths, log *logging.Logger) (_ *app, err error) {
	if err := p.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating data directories: %w", err)
	}

	a := &app{hooks: hooks.NewManager(log)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	ld, err := newLoader(cfg, p, log)
	if err != nil {
		return nil, err
	}

	emb, embCloser, err := newEmbedder(ctx, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if embCloser != nil {
		a.closers = append(a.closers, embCloser)
	}

	var db *store.DB
	if cfg.VectorStore.Driver == "sqlite" || cfg.Session.HistoryStore == "sqlite" {
		db, err = store.Open(p.DB, log)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		a.closers = append(a.closers, db)
	}

	var vs vectorstore.Store
	switch cfg.VectorStore.Driver {
	case "memory":
		vs = vectorstore.NewMemory(emb)
	case "sqlite":
		vs = store.NewVectorStore(db, emb)
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.VectorStore.DSN, emb, log)
		if err != nil {
			return nil, fmt.Errorf("opening postgres vector store: %w", err)
		}
		vs = pg
	default:
		return nil, fmt.Errorf("unknown vector store driver %q", cfg.VectorStore.Driver)
	}
	a.store = vectorstore.NewGuard(vs)
	a.closers = append(a.closers, a.store)
	log.Info().Str("driver", cfg.VectorStore.Driver).Str("embedding", emb.Model()).Msg("vector store ready")

	registry, err := llm.NewRegistryFromConfig(cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	primary, fallbacks := registry.Chain()
	log.Info().Str("primary", primary).Strs("fallbacks", fallbacks).Msg("LLM providers available")

	var history agent.SessionStore
	var documents session.DocumentLog
	if db != nil {
		documents = store.NewDocumentStore(db)
	}
	if cfg.Session.HistoryStore == "sqlite" {
		history = store.NewSQLiteSessionStore(db)
		log.Info().Str("path", p.DB).Msg("using SQLite history store")
	} else {
		history = agent.NewMemorySessionStore()
		log.Info().Msg("using in-memory history store")
	}

	a.hooks.RegisterConfig(cfg.Hooks)

	search := retrieval.NewGateway(a.store, cfg.Search.TopK, cfg.Search.MinRelevance, log,
		retrieval.WithRetry(3, 200*time.Millisecond))

	a.sessions = session.NewManager(session.Deps{
		Loader:    ld,
		Store:     a.store,
		Retrieval: search,
		Client:    agent.NewFailoverClient(registry, log),
		History:   history,
		Documents: documents,
		Hooks:     a.hooks,
		Runner: agent.RunnerConfig{
			MaxTokens:         cfg.LLM.MaxTokens,
			Temperature:       cfg.LLM.Temperature,
			MaxToolIterations: cfg.Agent.MaxToolIterations,
			MaxHistory:        cfg.Session.MaxHistoryMessages,
			EchoDelay:         echoDelay,
		},
		Log: log,
	})
	return a, nil
}

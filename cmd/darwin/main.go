// Package main provides the entry point for the darwin feedback pipeline:
// HTTP API, embed and classify workers, and the forge webhook loop in one
// process.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Raptors65/darwin/internal/classify"
	"github.com/Raptors65/darwin/internal/cluster"
	"github.com/Raptors65/darwin/internal/config"
	"github.com/Raptors65/darwin/internal/embedding"
	"github.com/Raptors65/darwin/internal/fix"
	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/internal/ingest"
	"github.com/Raptors65/darwin/internal/learning"
	"github.com/Raptors65/darwin/internal/llm"
	"github.com/Raptors65/darwin/internal/review"
	"github.com/Raptors65/darwin/internal/server"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/internal/store/memory"
	"github.com/Raptors65/darwin/internal/store/pgvector"
	"github.com/Raptors65/darwin/internal/store/redis"
	"github.com/Raptors65/darwin/internal/worker"
)

var Version = "dev"

const (
	exitOK       = 0
	exitConfig   = 1
	exitStore    = 2
	exitProvider = 3
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", Version).Msg("Starting darwin")
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Configuration invalid")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Store unavailable")
		return exitStore
	}
	defer st.Close()

	for _, spec := range []store.IndexSpec{
		store.TopicsIndex(cfg.EmbeddingDim),
		store.FixesIndex(cfg.EmbeddingDim),
	} {
		if err := st.EnsureIndex(ctx, spec); err != nil {
			log.Error().Err(err).Str("index", spec.Name).Msg("Index creation failed")
			return exitStore
		}
	}

	embedSvc, err := embedding.NewService(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Embedding provider unavailable")
		return exitProvider
	}
	defer embedSvc.Close()

	llmClient, err := llm.NewAnthropicClient(cfg)
	if err != nil {
		log.Error().Err(err).Msg("LLM provider unavailable")
		return exitProvider
	}

	learn := learning.New(st, embedSvc)
	clusterer := cluster.New(st, cfg)
	classifier := classify.New(st, llmClient, cfg.EmbeddingDim, cfg.ClassifyConfidenceMin)

	var fg forge.Forge
	if cfg.ForgeToken != "" {
		gh, err := forge.NewGitHubClient(cfg.ForgeToken)
		if err != nil {
			log.Error().Err(err).Msg("Forge client unavailable")
			return exitProvider
		}
		fg = gh
	} else {
		log.Warn().Msg("No forge token; issue creation disabled")
	}

	var runner *fix.Runner
	var launcher worker.TaskLauncher
	if cfg.AgentCommand != "" {
		agent, err := fix.NewCLIAgent(cfg.AgentCommand, cfg.AgentTimeout)
		if err != nil {
			log.Error().Err(err).Msg("Agent command invalid")
			return exitConfig
		}
		runner = fix.NewRunner(st, learn, embedSvc, agent, cfg)
		launcher = &fixLauncher{runner: runner}
	} else {
		log.Warn().Msg("No agent command; fix generation disabled")
	}

	reviewHandler := review.New(st, learn, llmClient, fg, runner, runner != nil)
	ingestSvc := ingest.NewService(st, cfg.QueueBackpressure)
	srv := server.New(cfg, st, ingestSvc, learn, runner, reviewHandler, fg)

	if path := os.Getenv("DARWIN_CONFIG"); path != "" {
		if err := cfg.Watch(ctx, path); err != nil {
			log.Warn().Err(err).Msg("Config watch unavailable; routing table is static")
		}
	}

	sup := worker.NewSupervisor(cfg.DrainTimeout)
	sup.Add("embed", worker.NewEmbedWorker(st, embedSvc, clusterer))
	sup.Add("classify", worker.NewClassifyWorker(st, classifier, launcher))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Pipeline stopped with error")
		return exitStore
	}
	log.Info().Msg("Shutdown complete")
	return exitOK
}

// openStore dials the record store and, when configured, swaps the vector
// side for pgvector.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var base store.Store
	switch cfg.StoreBackend {
	case "memory":
		base = memory.New()
	default:
		rs, err := redis.Dial(ctx, cfg.StoreURL)
		if err != nil {
			return nil, err
		}
		base = rs
	}

	if cfg.VectorBackend == "pgvector" {
		idx, err := pgvector.Dial(ctx, cfg.PGVectorDSN, cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		base = store.WithVectorIndex(base, idx)
	}
	return base, nil
}

// fixLauncher starts fix runs for freshly classified tasks without blocking
// the classify loop. The runner's claim step keeps concurrent launches safe.
type fixLauncher struct {
	runner *fix.Runner
}

func (l *fixLauncher) Launch(ctx context.Context, taskID string) {
	go func() {
		out, err := l.runner.Start(context.WithoutCancel(ctx), taskID)
		switch {
		case errors.Is(err, fix.ErrFixInProgress), errors.Is(err, fix.ErrFixCompleted):
			log.Debug().Str("task", taskID).Msg("Fix already handled")
		case errors.Is(err, fix.ErrNoRepo):
			log.Debug().Str("task", taskID).Msg("No repository for task product")
		case err != nil:
			log.Error().Err(err).Str("task", taskID).Msg("Automatic fix failed")
		default:
			log.Info().Str("task", taskID).Str("pr", out.Task.PRURL).Msg("Automatic fix opened a pull request")
		}
	}()
}

package main

import (
	"context"
	"flag"
	"fmt"

	"question-bounty/internal/api"
	"question-bounty/internal/evaluation"
	"question-bounty/internal/indexer"
	"question-bounty/internal/reconcile"

	"golang.org/x/sync/errgroup"
)

func runServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.HTTPAddr, "listen address")
	withIndex := fs.Bool("index", false, "also run the ledger indexer")
	fromBlock := fs.Uint64("from-block", 0, "indexer backfill start block")
	if err := fs.Parse(args); err != nil {
		return err
	}

	scorer, closeScorer, err := a.scorer(ctx)
	if err != nil {
		return err
	}
	defer closeScorer()

	pool := evaluation.LedgerPool{Reader: a.chain, Units: a.tokens}
	engine := evaluation.NewEngine(a.store, scorer, pool, a.log, a.metrics)
	rec := reconcile.New(a.store, a.chain, pool, a.cache, a.log, a.metrics)
	srv := api.New(a.store, engine, rec, api.NewRateLimiter(a.cfg.EvaluateRatePerMin, a.metrics), a.log, a.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, *addr) })
	if *withIndex {
		ix, err := a.indexer(*fromBlock)
		if err != nil {
			return err
		}
		g.Go(func() error { return ix.Run(gctx) })
	}
	return g.Wait()
}

func runIndex(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	fromBlock := fs.Uint64("from-block", 0, "backfill start block")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ix, err := a.indexer(*fromBlock)
	if err != nil {
		return err
	}
	err = ix.Run(ctx)
	if ctx.Err() != nil {
		a.log.Println("shutting down...")
		return nil
	}
	return err
}

func (a *app) indexer(fromBlock uint64) (*indexer.Indexer, error) {
	url := a.cfg.WSURL
	if url == "" {
		return nil, fmt.Errorf("WS_URL is required for the indexer")
	}
	return indexer.New(indexer.DialWebsocket(url), a.store, a.chain, a.cache, a.log, a.metrics, indexer.Options{
		Factory:      a.factory(),
		FromBlock:    fromBlock,
		StallTimeout: a.cfg.IndexerStallTimeout,
	}), nil
}

// scorer returns the Gemini scorer, or the deterministic weighted scorer when
// no API key is configured.
func (a *app) scorer(ctx context.Context) (evaluation.Scorer, func(), error) {
	if a.cfg.GeminiAPIKey == "" {
		a.log.Warnf("GEMINI_API_KEY not set: using the equal-weight development scorer")
		return &evaluation.WeightedScorer{Default: 1, Reason: "equal share (development scorer)"}, func() {}, nil
	}
	g, err := evaluation.NewGeminiScorer(ctx, a.cfg.GeminiAPIKey, a.cfg.GeminiModel)
	if err != nil {
		return nil, nil, err
	}
	return g, func() { _ = g.Close() }, nil
}

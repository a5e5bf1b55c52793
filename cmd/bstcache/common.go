package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/buildstream-dev/artifactcache/cas"
	"github.com/buildstream-dev/artifactcache/internal/config"
	"github.com/buildstream-dev/artifactcache/internal/metrics"
	"github.com/buildstream-dev/artifactcache/refidx"
)

type environment struct {
	cfg   config.Config
	store *cas.Store
	index *refidx.Index
}

// openEnvironment loads the configuration at configPath and opens the
// store and reference index it describes.
func openEnvironment(ctx context.Context) (*environment, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	alg, err := cfg.DigestAlgorithm()
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder()

	store, err := cas.NewStore(cas.Options{Root: filepath.Join(cfg.Root, "cas"), Algorithm: alg, Metrics: recorder})
	if err != nil {
		return nil, err
	}

	index, err := refidx.NewIndex(ctx, refidx.Options{Store: store, RefsRoot: filepath.Join(cfg.Root, "refs"), Metrics: recorder})
	if err != nil {
		return nil, err
	}

	return &environment{cfg: cfg, store: store, index: index}, nil
}

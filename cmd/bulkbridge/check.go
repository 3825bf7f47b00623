package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/xboshy/bulkbridge/pkg/config"
	"github.com/xboshy/bulkbridge/pkg/elasticsearch"
	"github.com/xboshy/bulkbridge/pkg/utils"
)

// check validates the configuration and makes sure the sink answers, without
// touching the source.
func check(c *cli.Context) error {
	cfg, err := config.LoadFromEnv(c.String("env-file"))
	if err != nil {
		return fmt.Errorf("%w: %w", errFatal, err)
	}

	sugar, err := utils.NewSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	if err := pingSink(ctx, cfg, sugar); err != nil {
		return fmt.Errorf("%w: %w", errFatal, err)
	}
	sugar.Infow("configuration ok",
		"source", cfg.Global.Source,
		"elasticsearchHosts", cfg.Elasticsearch.Hosts,
		"index", cfg.Elasticsearch.IndexName,
	)
	return nil
}

func pingSink(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	sink, err := elasticsearch.New(cfg.Elasticsearch, utils.Component(log, "elasticsearch"))
	if err != nil {
		return fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	defer sink.Close()
	if err := sink.Ping(ctx); err != nil {
		return err
	}
	log.Infow("elasticsearch reachable", "hosts", cfg.Elasticsearch.Hosts)
	return nil
}

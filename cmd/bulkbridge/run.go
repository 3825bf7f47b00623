package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xboshy/bulkbridge/pkg/batch"
	"github.com/xboshy/bulkbridge/pkg/config"
	"github.com/xboshy/bulkbridge/pkg/dispatcher"
	"github.com/xboshy/bulkbridge/pkg/elasticsearch"
	"github.com/xboshy/bulkbridge/pkg/idkey"
	"github.com/xboshy/bulkbridge/pkg/kafka"
	"github.com/xboshy/bulkbridge/pkg/metrics"
	"github.com/xboshy/bulkbridge/pkg/pipeline"
	"github.com/xboshy/bulkbridge/pkg/pulsar"
	"github.com/xboshy/bulkbridge/pkg/queue"
	"github.com/xboshy/bulkbridge/pkg/ring"
	"github.com/xboshy/bulkbridge/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

// openSourceFunc connects to the configured queue. The returned func releases
// everything it opened.
type openSourceFunc func(
	ctx context.Context,
	cfg *config.Config,
	reg prometheus.Registerer,
	log *zap.SugaredLogger,
) (queue.Consumer, func(), error)

func run(c *cli.Context) error {
	cfg, err := config.LoadFromEnv(c.String("env-file"))
	if err != nil {
		return fmt.Errorf("%w: %w", errFatal, err)
	}

	sugar, err := utils.NewSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	logConfig(sugar, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runBridge(ctx, cfg, sugar, openSource); err != nil {
		sugar.Errorw("bridge stopped", "error", err)
		return fmt.Errorf("%w: %w", errFatal, err)
	}
	sugar.Info("shutdown complete")
	return nil
}

// runBridge wires the pipeline and blocks until ctx is done or the pipeline
// stops on a fatal error.
func runBridge(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, open openSourceFunc) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewWithLabels(registry, cfg.MetricsLabels())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	latch := ring.NewLatch()

	var metricsErrCh <-chan error
	if cfg.Prometheus.Enabled() {
		metricsServer := metrics.NewServer(cfg.Prometheus.Addr(), registry, latch.Err)
		metricsErrCh = metricsServer.Start()
		log.Infof("metrics server listening on http://%s/metrics", cfg.Prometheus.Addr())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Warnw("failed to shut down metrics server", "error", err)
			}
		}()
	}

	sink, err := elasticsearch.New(cfg.Elasticsearch, utils.Component(log, "elasticsearch"))
	if err != nil {
		return fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	defer sink.Close()

	if err := sink.Ping(ctx); err != nil {
		return err
	}
	log.Infow("elasticsearch reachable", "hosts", cfg.Elasticsearch.Hosts, "index", cfg.Elasticsearch.IndexName)

	consumer, closeSource, err := open(ctx, cfg, registry, log)
	if err != nil {
		return err
	}
	defer closeSource()

	p, err := assemble(cfg, consumer, sink, latch, m, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	if metricsErrCh != nil {
		g.Go(func() error {
			select {
			case err, ok := <-metricsErrCh:
				if ok && err != nil {
					return err
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}
	return g.Wait()
}

// assemble builds the batch ring and the worker pool. Every worker gets its
// own dispatcher and selector.
func assemble(
	cfg *config.Config,
	consumer queue.Consumer,
	sink dispatcher.Sink,
	latch *ring.Latch,
	m *metrics.Metrics,
	log *zap.SugaredLogger,
) (*pipeline.Pipeline, error) {
	acc := batch.NewAccumulator(consumer, cfg.Batch.Policy(), m)
	r, err := ring.New(cfg.Global.RingBuffer, acc.NewGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring: %w", err)
	}

	log.Infow("batch ring ready",
		"capacity", r.Capacity(),
		"workers", cfg.Global.InflightBatches,
	)

	dispatchLog := utils.Component(log, "dispatcher")
	return pipeline.New(pipeline.Config{
		Ring:        r,
		Accumulator: acc,
		Workers:     cfg.Global.InflightBatches,
		NewHandler: func() (pipeline.Handler, error) {
			sel, err := idkey.NewSelector(cfg.Global.IDMode)
			if err != nil {
				return nil, err
			}
			return dispatcher.New(dispatcher.Config{
				Consumer: consumer,
				Sink:     sink,
				Selector: sel,
				Metrics:  m,
				Log:      dispatchLog,
			})
		},
		Latch:   latch,
		Metrics: m,
		Log:     utils.Component(log, "pipeline"),
	})
}

func openSource(
	ctx context.Context,
	cfg *config.Config,
	reg prometheus.Registerer,
	log *zap.SugaredLogger,
) (queue.Consumer, func(), error) {
	switch cfg.Global.Source {
	case config.SourceKafka:
		kafkaLog := utils.Component(log, "kafka")
		consumer, err := kafka.NewConsumer(ctx, cfg.Kafka, kafkaLog)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		return consumer, func() { closeLogged(kafkaLog, "kafka consumer", consumer.Close) }, nil
	case config.SourcePulsar:
		pulsarLog := utils.Component(log, "pulsar")
		client, err := pulsar.NewClient(cfg.PulsarClient, reg, pulsarLog)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pulsar client: %w", err)
		}
		consumer, err := pulsar.NewConsumer(ctx, client, cfg.PulsarConsumer, pulsarLog)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to create pulsar consumer: %w", err)
		}
		return consumer, func() {
			closeLogged(pulsarLog, "pulsar consumer", consumer.Close)
			client.Close()
		}, nil
	default:
		return nil, nil, errors.New("unknown source " + string(cfg.Global.Source))
	}
}

func closeLogged(log *zap.SugaredLogger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warnw("failed to close "+what, "error", err)
	}
}

func logConfig(log *zap.SugaredLogger, cfg *config.Config) {
	log.Infow("config",
		"source", cfg.Global.Source,
		"inflightBatches", cfg.Global.InflightBatches,
		"ringBuffer", cfg.Global.RingBuffer,
		"idMode", cfg.Global.IDMode.String(),
		"environment", cfg.Global.Environment,
		"batchMaxNumMessages", cfg.Batch.MaxNumMessages,
		"batchMaxNumBytes", cfg.Batch.MaxNumBytes,
		"batchTimeout", cfg.Batch.Timeout,
		"elasticsearchHosts", cfg.Elasticsearch.Hosts,
		"elasticsearchIndex", cfg.Elasticsearch.IndexName,
		"elasticsearchMaxRetries", cfg.Elasticsearch.MaxRetries,
		"elasticsearchCompression", cfg.Elasticsearch.CompressionEnabled,
		"metricsAddr", cfg.Prometheus.Addr(),
	)
	switch cfg.Global.Source {
	case config.SourceKafka:
		log.Infow("kafka config",
			"bootstrapServers", cfg.Kafka.BootstrapServers,
			"groupID", cfg.Kafka.GroupID,
			"topic", cfg.Kafka.Topic,
			"retryTopic", cfg.Kafka.RetryTopic,
			"autoOffsetReset", cfg.Kafka.AutoOffsetReset,
			"offsetCommitInterval", cfg.Kafka.OffsetCommitInterval,
		)
	case config.SourcePulsar:
		log.Infow("pulsar config",
			"url", cfg.PulsarClient.URL,
			"cluster", cfg.PulsarClient.ClusterName,
			"topics", cfg.PulsarConsumer.TopicNames,
			"subscription", cfg.PulsarConsumer.SubscriptionName,
			"subscriptionType", cfg.PulsarConsumer.SubscriptionType,
			"receiverQueueSize", cfg.PulsarConsumer.ReceiverQueueSize,
			"deadLetterTopic", cfg.PulsarConsumer.DeadLetterTopic,
			"retryLetterTopic", cfg.PulsarConsumer.RetryLetterTopic,
		)
	}
}

package pulsar

import (
	"fmt"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// NewClient connects to the cluster. Client metrics are registered on reg
// when it is non-nil.
func NewClient(cfg ClientConfig, reg prometheus.Registerer, log *zap.SugaredLogger) (pulsar.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := pulsar.ClientOptions{
		URL:                   cfg.URL,
		OperationTimeout:      cfg.OperationTimeout,
		ConnectionTimeout:     cfg.ConnectionTimeout,
		TLSTrustCertsFilePath: cfg.TLSTrustCertsFilePath,
		Logger:                newZapLogger(log),
	}
	if cfg.AuthToken != "" {
		opts.Authentication = pulsar.NewAuthenticationToken(cfg.AuthToken)
	}
	if reg != nil {
		opts.MetricsRegisterer = reg
		if cfg.ClusterName != "" {
			opts.CustomMetricsLabels = map[string]string{"pulsar_cluster": cfg.ClusterName}
		}
	}

	client, err := pulsar.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create pulsar client for %s: %w", cfg.URL, err)
	}
	log.Infow("pulsar client created", "url", cfg.URL, "tls", cfg.TLSTrustCertsFilePath != "")
	return client, nil
}

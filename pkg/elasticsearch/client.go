// Package elasticsearch sends newline-delimited bulk requests to an
// Elasticsearch compatible sink and decodes the per-item results.
package elasticsearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRetryBackoff = 5 * time.Second

// Response is the raw outcome of one bulk call.
type Response struct {
	StatusCode int
	Reason     string
	Body       []byte
}

type Client struct {
	es        *elasticsearch.Client
	transport *http.Transport
	index     string
	log       *zap.SugaredLogger
}

// New builds a sink client. Requests that fail with 502, 503 or 504 or a
// network error are retried up to cfg.MaxRetries times.
func New(cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if cfg.IndexName == "" {
		return nil, errors.New("invalid index name: must not be empty")
	}
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("invalid hosts: at least one host is required")
	}

	tlsCfg, err := trustConfig(cfg.TLSTrustCertsFilePath)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.SocketTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       tlsCfg,
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:           cfg.Hosts,
		Username:            cfg.Username,
		Password:            cfg.Password,
		Transport:           transport,
		CompressRequestBody: cfg.CompressionEnabled,
		RetryOnStatus:       []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
		MaxRetries:          cfg.MaxRetries,
		DisableRetry:        cfg.MaxRetries <= 0,
		RetryBackoff: func(attempt int) time.Duration {
			d := backoff(cfg.RetryBackoff, attempt)
			if log != nil {
				log.Debugw("retrying bulk request", "attempt", attempt, "backoff", d)
			}
			return d
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Client{
		es:        es,
		transport: transport,
		index:     cfg.IndexName,
		log:       log,
	}, nil
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

func trustConfig(path string) (*tls.Config, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust certs %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %q", path)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Ping checks that the sink is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to ping elasticsearch: %s", res.Status())
	}
	return nil
}

// Bulk sends body to <index>/_bulk. A non-2xx status is not an error here;
// callers decide from StatusCode.
func (c *Client) Bulk(ctx context.Context, body []byte) (*Response, error) {
	opaqueID := uuid.NewString()
	res, err := c.es.Bulk(
		bytes.NewReader(body),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(c.index),
		c.es.Bulk.WithOpaqueID(opaqueID),
	)
	if err != nil {
		return nil, fmt.Errorf("bulk request %s: %w", opaqueID, err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("bulk request %s: read response: %w", opaqueID, err)
	}

	if c.log != nil {
		c.log.Debugw("bulk request done",
			"opaqueID", opaqueID,
			"status", res.StatusCode,
			"requestBytes", len(body),
			"responseBytes", len(payload),
		)
	}

	return &Response{
		StatusCode: res.StatusCode,
		Reason:     http.StatusText(res.StatusCode),
		Body:       payload,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

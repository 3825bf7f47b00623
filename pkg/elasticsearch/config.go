package elasticsearch

import "time"

// Config holds the bulk sink connection settings. Field tags carry no
// prefix; the loader applies ELASTICSEARCH_.
type Config struct {
	Hosts                 []string      `env:"HOSTS" envSeparator:"," envDefault:"http://localhost:9200"`
	Username              string        `env:"USERNAME"`
	Password              string        `env:"PASSWORD"`
	IndexName             string        `env:"INDEX_NAME"`
	SocketTimeout         time.Duration `env:"SOCKET_TIMEOUT" envDefault:"10s"`  // response header timeout
	ConnectTimeout        time.Duration `env:"CONNECT_TIMEOUT" envDefault:"1s"`  // dial timeout
	MaxRetries            int           `env:"MAX_RETRIES" envDefault:"3"`       // on 502/503/504 and network errors
	RetryBackoff          time.Duration `env:"RETRY_BACKOFF" envDefault:"100ms"` // doubled per attempt
	CompressionEnabled    bool          `env:"COMPRESSION_ENABLED" envDefault:"true"`
	TLSTrustCertsFilePath string        `env:"TLS_TRUST_CERTS_FILE_PATH"`
}

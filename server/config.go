// Package server is the composition root: it wires the registry, identity
// store, transaction coordinator, query cache, embedding pipeline, and the
// two network surfaces, and runs them until signalled.
package server

import (
	"time"

	"github.com/blitedb/blite/embedding"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/txn"
)

// Config is the top-level configuration object, parsed with go-flags.
type Config struct {
	Data struct {
		Dir string `long:"dir" env:"DATA_DIR" default:"./blite-data" description:"Directory holding database files"`
	} `group:"Data" namespace:"data" env-namespace:"DATA"`

	GRPC struct {
		Addr string `long:"addr" env:"ADDR" default:":9090" description:"Binary surface listen address"`
	} `group:"gRPC" namespace:"grpc" env-namespace:"GRPC"`

	HTTP struct {
		Addr string `long:"addr" env:"ADDR" default:":8080" description:"HTTP surface listen address"`
	} `group:"HTTP" namespace:"http" env-namespace:"HTTP"`

	QueryCache struct {
		Enabled                   bool  `long:"enabled" env:"ENABLED" description:"Enable the query result cache"`
		SlidingExpirationSeconds  int   `long:"sliding-expiration-seconds" env:"SLIDING_EXPIRATION_SECONDS" default:"60" description:"Sliding expiration of cached results"`
		AbsoluteExpirationSeconds int   `long:"absolute-expiration-seconds" env:"ABSOLUTE_EXPIRATION_SECONDS" default:"300" description:"Absolute expiration of cached results"`
		MaxSizeBytes              int64 `long:"max-size-bytes" env:"MAX_SIZE_BYTES" default:"67108864" description:"Byte budget of the cache"`
		MaxResultSetSize          int   `long:"max-result-set-size" env:"MAX_RESULT_SET_SIZE" default:"10000" description:"Largest cachable result set, in documents"`
	} `group:"QueryCache" namespace:"querycache" env-namespace:"QUERYCACHE"`

	Transactions struct {
		TimeoutSeconds   int `long:"timeout-seconds" env:"TIMEOUT_SECONDS" default:"60" description:"Idle seconds before a transaction is swept"`
		BeginWaitSeconds int `long:"begin-wait-seconds" env:"BEGIN_WAIT_SECONDS" default:"5" description:"Bound on waiting for a database's transaction slot"`
	} `group:"Transactions" namespace:"transactions" env-namespace:"TRANSACTIONS"`

	Embedding struct {
		ModelDirectory string `long:"model-directory" env:"MODEL_DIRECTORY" description:"Embedding model directory (empty selects the built-in model)"`
		MaxTokens      int    `long:"max-tokens" env:"MAX_TOKENS" default:"256" description:"Token cap per embedding input"`
	} `group:"Embedding" namespace:"embedding" env-namespace:"EMBEDDING"`

	EmbeddingWorker struct {
		Enabled             bool `long:"enabled" env:"ENABLED" description:"Run the embedding worker"`
		IntervalSeconds     int  `long:"interval-seconds" env:"INTERVAL_SECONDS" default:"5" description:"Worker tick interval"`
		BatchSize           int  `long:"batch-size" env:"BATCH_SIZE" default:"64" description:"Documents claimed per tick"`
		StaleTimeoutMinutes int  `long:"stale-timeout-minutes" env:"STALE_TIMEOUT_MINUTES" default:"10" description:"Minutes before a claimed item is retried"`
	} `group:"EmbeddingWorker" namespace:"embeddingworker" env-namespace:"EMBEDDINGWORKER"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c *Config) cacheConfig() qcache.Config {
	return qcache.Config{
		Enabled:          c.QueryCache.Enabled,
		Sliding:          time.Duration(c.QueryCache.SlidingExpirationSeconds) * time.Second,
		Absolute:         time.Duration(c.QueryCache.AbsoluteExpirationSeconds) * time.Second,
		MaxSizeBytes:     c.QueryCache.MaxSizeBytes,
		MaxResultSetSize: c.QueryCache.MaxResultSetSize,
	}
}

func (c *Config) txnConfig() txn.Config {
	return txn.Config{
		BeginWait:   time.Duration(c.Transactions.BeginWaitSeconds) * time.Second,
		IdleTimeout: time.Duration(c.Transactions.TimeoutSeconds) * time.Second,
	}
}

func (c *Config) workerConfig() embedding.WorkerConfig {
	return embedding.WorkerConfig{
		Interval:     time.Duration(c.EmbeddingWorker.IntervalSeconds) * time.Second,
		BatchSize:    c.EmbeddingWorker.BatchSize,
		StaleTimeout: time.Duration(c.EmbeddingWorker.StaleTimeoutMinutes) * time.Minute,
	}
}

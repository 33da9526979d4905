package config

import (
	"os"
	"runtime"

	"github.com/koding/multiconfig"
)

// Config defines the evaluation worker configuration
type Config struct {
	// identity
	Shard int `flagUsage:"shard id of this worker" default:"1"`

	// server
	HTTPAddr    string `flagUsage:"specifies the http binding address" default:":5140"`
	MonitorAddr string `flagUsage:"specifies the metrics binding address" default:":5141"`
	AuthToken   string `flagUsage:"bearer token the coordinator must present"`

	// object store
	BlobDir     string `flagUsage:"directory for the local blob backend" default:"/var/lib/arbiter/blobs"`
	CacheDir    string `flagUsage:"local read cache directory (a temporary dir when empty)"`
	S3Endpoint  string `flagUsage:"s3 endpoint for the blob backend (uses the local dir when empty)"`
	S3AccessKey string `flagUsage:"s3 access key"`
	S3SecretKey string `flagUsage:"s3 secret key"`
	S3Bucket    string `flagUsage:"s3 bucket holding blobs" default:"arbiter"`
	S3UseSSL    bool   `flagUsage:"use TLS towards the s3 endpoint"`

	// execution
	RunRoot       string `flagUsage:"directory holding per-run sandbox work dirs (a temporary dir when empty)"`
	Parallelism   int    `flagUsage:"control the # of concurrent operations (default equal to number of cpu)"`
	LanguagesConf string `flagUsage:"language definitions yaml (built-in set when empty)"`

	// observability
	EnableMetrics bool `flagUsage:"enable prometheus metrics endpoint"`
	EnableDebug   bool `flagUsage:"enable debug endpoint"`

	// logger config
	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`

	// show version and exit
	Version bool `flagUsage:"show version and exit"`
}

// Load loads config from flag & environment variables
func (c *Config) Load() error {
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "ARBITER_WORKER",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "ARBITER_WORKER",
		},
	)
	if os.Getpid() == 1 {
		c.Release = true
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
	return cl.Load(c)
}

package config

import (
	"os"
	"time"

	"github.com/koding/multiconfig"
)

// Config defines the grading coordinator configuration
type Config struct {
	// server
	HTTPAddr    string `flagUsage:"specifies the http binding address" default:":5130"`
	MonitorAddr string `flagUsage:"specifies the metrics binding address" default:":5131"`
	AuthToken   string `flagUsage:"bearer token auth for the admin RPC surface"`

	// result database
	PostgresDSN string `flagUsage:"postgres connection string (results stay in memory when empty)"`

	// object store
	BlobDir     string `flagUsage:"directory for the local blob backend" default:"/var/lib/arbiter/blobs"`
	CacheDir    string `flagUsage:"local read cache directory (a temporary dir when empty)"`
	S3Endpoint  string `flagUsage:"s3 endpoint for the blob backend (uses the local dir when empty)"`
	S3AccessKey string `flagUsage:"s3 access key"`
	S3SecretKey string `flagUsage:"s3 secret key"`
	S3Bucket    string `flagUsage:"s3 bucket holding blobs" default:"arbiter"`
	S3UseSSL    bool   `flagUsage:"use TLS towards the s3 endpoint"`

	// submission intake
	RedisAddr     string `flagUsage:"redis address carrying submission announcements (disables intake when empty)"`
	RedisPassword string `flagUsage:"redis password"`
	IntakeStream  string `flagUsage:"stream carrying submission announcements"`
	IntakeGroup   string `flagUsage:"consumer group name"`

	// workers
	Workers     string `flagUsage:"comma separated shard=baseURL list of evaluation workers"`
	WorkerToken string `flagUsage:"bearer token sent to workers"`

	// scheduling
	MaxCompilationTries int           `flagUsage:"infrastructure retry budget per compilation" default:"3"`
	MaxEvaluationTries  int           `flagUsage:"infrastructure retry budget per testcase evaluation" default:"3"`
	DispatchTick        time.Duration `flagUsage:"dispatcher wake up interval" default:"2s"`
	CallTimeout         time.Duration `flagUsage:"upper bound for one dispatched operation" default:"15m"`
	PingInterval        time.Duration `flagUsage:"worker health probe interval" default:"10s"`
	PingFailures        int           `flagUsage:"consecutive probe failures before a worker counts as lost" default:"3"`
	SweepInterval       time.Duration `flagUsage:"interval between re-schedules of unfinished results" default:"2m"`

	// blob garbage collection
	GCInterval time.Duration `flagUsage:"blob garbage collection interval (disabled when 0)" default:"1h"`
	GCGrace    time.Duration `flagUsage:"spare objects stored within this window" default:"48h"`

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
			Prefix:    "ARBITER",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "ARBITER",
		},
	)
	if os.Getpid() == 1 {
		c.Release = true
	}
	return cl.Load(c)
}

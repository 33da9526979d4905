// Command arbiter-fsck checks every object in the blob store against
// the digest it is stored under, and optionally removes corrupt or
// unreferenced objects.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/resultdb"
)

var (
	blobDir     = flag.String("dir", "/var/lib/arbiter/blobs", "local blob backend directory")
	s3Endpoint  = flag.String("s3-endpoint", "", "s3 endpoint (uses the local dir when empty)")
	s3AccessKey = flag.String("s3-access-key", "", "s3 access key")
	s3SecretKey = flag.String("s3-secret-key", "", "s3 secret key")
	s3Bucket    = flag.String("s3-bucket", "arbiter", "s3 bucket holding blobs")
	s3UseSSL    = flag.Bool("s3-ssl", false, "use TLS towards the s3 endpoint")

	fix     = flag.Bool("fix", false, "remove objects whose content no longer matches their digest")
	collect = flag.Bool("collect", false, "remove objects no record references (needs -dsn)")
	dsn     = flag.String("dsn", "", "postgres connection string for the reference scan")
	grace   = flag.Duration("grace", 48*time.Hour, "spare objects stored within this window")
)

func main() {
	flag.Parse()
	logger := newLogger()
	defer logger.Sync()
	ctx := context.Background()

	backend := newBackend(ctx, logger)

	report, err := blobstore.Verify(ctx, backend, *fix, logger)
	if err != nil {
		logger.Fatal("verify failed", zap.Error(err))
	}
	logger.Info("Verify finished",
		zap.Int("scanned", report.Scanned),
		zap.Int64("bytes", report.Bytes),
		zap.Int("corrupt", len(report.Corrupt)),
		zap.Int("removed", len(report.Removed)))

	if *collect {
		runCollect(ctx, backend, logger)
	}

	if !report.Clean() && !*fix {
		logger.Sync()
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		log.Fatalln("init logger failed ", err)
	}
	return logger
}

func newBackend(ctx context.Context, logger *zap.Logger) blobstore.Backend {
	if *s3Endpoint == "" {
		backend, err := blobstore.NewDiskBackend(*blobDir)
		if err != nil {
			logger.Fatal("open blob directory failed", zap.Error(err))
		}
		return backend
	}
	backend, err := blobstore.NewMinioBackend(ctx, blobstore.MinioConfig{
		Endpoint:  *s3Endpoint,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
		UseSSL:    *s3UseSSL,
		Bucket:    *s3Bucket,
	})
	if err != nil {
		logger.Fatal("connect s3 backend failed", zap.Error(err))
	}
	return backend
}

func runCollect(ctx context.Context, backend blobstore.Backend, logger *zap.Logger) {
	if *dsn == "" {
		logger.Fatal("collect needs -dsn to know which digests are still referenced")
	}
	db, err := resultdb.OpenPostgres(*dsn, logger)
	if err != nil {
		logger.Fatal("open result database failed", zap.Error(err))
	}
	defer db.Close()

	store, err := blobstore.New(backend, "", logger)
	if err != nil {
		logger.Fatal("create blob store failed", zap.Error(err))
	}
	collector := blobstore.NewCollector(store, *grace, logger, db)
	stats, err := collector.Collect(ctx)
	if err != nil {
		logger.Fatal("collect failed", zap.Error(err))
	}
	logger.Info("Collect finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("recent", stats.Recent),
		zap.Int("deleted", stats.Deleted),
		zap.Int64("freed", stats.Freed))
}

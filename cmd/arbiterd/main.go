// Command arbiterd runs the grading coordinator: it admits submitted
// programs, schedules compile and evaluate operations onto evaluation
// workers, scores finished results and serves the admin RPC surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mirradon/arbiter/blobstore"
	"github.com/mirradon/arbiter/cmd/arbiterd/config"
	"github.com/mirradon/arbiter/cmd/internal/version"
	"github.com/mirradon/arbiter/coordinator"
	"github.com/mirradon/arbiter/intake"
	"github.com/mirradon/arbiter/resultdb"
	"github.com/mirradon/arbiter/rpc"
	"github.com/mirradon/arbiter/worker"
)

var logger *zap.Logger

func main() {
	conf := loadConf()
	if conf.Version {
		fmt.Println(version.Version)
		return
	}
	initLogger(conf)
	defer logger.Sync()
	if ce := logger.Check(zap.InfoLevel, "Config loaded"); ce != nil {
		ce.Write(zap.String("config", fmt.Sprintf("%+v", conf)))
	}

	db := newResultDB(conf)
	store := newBlobStore(conf)
	hub := coordinator.NewHub()
	coord := newCoordinator(conf, db, hub)
	if conf.EnableMetrics {
		initQueueMetrics(coord)
		newEventMetricsWorker(hub)
	}

	rs := rpc.NewServer(rpc.ServerConfig{Shard: 0}, logger)
	coord.Register(rs)

	servers := []initFunc{
		runCoordinator(coord),
		runIntake(conf, coord),
		runCollector(conf, store, db),
		initHTTPServer(conf, rs, hub),
		initMonitorHTTPServer(conf),
		cleanUpRPC(rs),
		cleanUpDB(db),
	}

	// Gracefully shutdown, with signal / HTTP server / coordinator
	sig := make(chan os.Signal, 1+len(servers))

	stops := []stopFunc{}
	for _, s := range servers {
		start, stop := s()
		if start != nil {
			go func() {
				start()
				sig <- os.Interrupt
			}()
		}
		if stop != nil {
			stops = append(stops, stop)
		}
	}

	// Graceful shutdown...
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Shutting Down...")

	ctx, cancel := context.WithTimeout(context.TODO(), time.Second*3)
	defer cancel()

	var eg errgroup.Group
	for _, s := range stops {
		eg.Go(func() error {
			return s(ctx)
		})
	}

	go func() {
		logger.Info("Shutdown Finished", zap.Error(eg.Wait()))
		cancel()
	}()
	<-ctx.Done()
}

func loadConf() *config.Config {
	var conf config.Config
	if err := conf.Load(); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalln("load config failed ", err)
	}
	return &conf
}

func initLogger(conf *config.Config) {
	if conf.Silent {
		logger = zap.NewNop()
		return
	}

	var err error
	if conf.Release {
		logger, err = zap.NewProduction()
	} else {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.Level.SetLevel(zap.InfoLevel)
		logger, err = config.Build()
	}
	if err != nil {
		log.Fatalln("init logger failed ", err)
	}
}

type (
	stopFunc func(ctx context.Context) error
	initFunc func() (start func(), cleanUp stopFunc)
)

func newResultDB(conf *config.Config) resultdb.Store {
	if conf.PostgresDSN == "" {
		logger.Warn("No postgres configured, results are kept in memory")
		return resultdb.NewMemory()
	}
	db, err := resultdb.OpenPostgres(conf.PostgresDSN, logger)
	if err != nil {
		logger.Fatal("open result database failed", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("migrate result database failed", zap.Error(err))
	}
	return db
}

func newBlobStore(conf *config.Config) *blobstore.Store {
	var (
		backend blobstore.Backend
		err     error
	)
	if conf.S3Endpoint != "" {
		backend, err = blobstore.NewMinioBackend(context.Background(), blobstore.MinioConfig{
			Endpoint:  conf.S3Endpoint,
			AccessKey: conf.S3AccessKey,
			SecretKey: conf.S3SecretKey,
			UseSSL:    conf.S3UseSSL,
			Bucket:    conf.S3Bucket,
		})
	} else {
		backend, err = blobstore.NewDiskBackend(conf.BlobDir)
	}
	if err != nil {
		logger.Fatal("create blob backend failed", zap.Error(err))
	}
	store, err := blobstore.New(backend, conf.CacheDir, logger)
	if err != nil {
		logger.Fatal("create blob store failed", zap.Error(err))
	}
	return store
}

func newCoordinator(conf *config.Config, db resultdb.Store, hub *coordinator.Hub) *coordinator.Coordinator {
	coord, err := coordinator.New(coordinator.Config{
		DB:                  db,
		MaxCompilationTries: conf.MaxCompilationTries,
		MaxEvaluationTries:  conf.MaxEvaluationTries,
		DispatchTick:        conf.DispatchTick,
		CallTimeout:         conf.CallTimeout,
		PingInterval:        conf.PingInterval,
		PingFailures:        conf.PingFailures,
		SweepInterval:       conf.SweepInterval,
		Events:              hub,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("create coordinator failed", zap.Error(err))
	}
	for shard, base := range parseWorkers(conf.Workers) {
		wc := worker.NewClient(shard, rpc.ClientConfig{
			BaseURL: base,
			Token:   conf.WorkerToken,
			MaxWait: conf.CallTimeout,
		}, logger)
		if err := coord.AddWorker(shard, wc); err != nil {
			logger.Fatal("add worker failed", zap.Int("shard", shard), zap.Error(err))
		}
		logger.Info("Worker configured", zap.Int("shard", shard), zap.String("baseURL", base))
	}
	return coord
}

func parseWorkers(s string) map[int]string {
	out := make(map[int]string)
	if s == "" {
		logger.Warn("No workers configured, operations will stay queued")
		return out
	}
	for _, part := range strings.Split(s, ",") {
		shardStr, base, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || base == "" {
			logger.Fatal("malformed worker entry, want shard=baseURL", zap.String("entry", part))
		}
		shard, err := strconv.Atoi(shardStr)
		if err != nil {
			logger.Fatal("malformed worker shard", zap.String("entry", part), zap.Error(err))
		}
		out[shard] = base
	}
	return out
}

func runCoordinator(coord *coordinator.Coordinator) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		ctx, cancel := context.WithCancel(context.Background())
		return func() {
				if err := coord.Run(ctx); err != nil {
					logger.Error("Coordinator stopped", zap.Error(err))
				} else {
					logger.Info("Coordinator stopped")
				}
			}, func(context.Context) error {
				cancel()
				return nil
			}
	}
}

func runIntake(conf *config.Config, coord *coordinator.Coordinator) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		if conf.RedisAddr == "" {
			logger.Warn("No redis configured, submission intake disabled")
			return nil, nil
		}
		feed, err := intake.New(intake.Config{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			Stream:   conf.IntakeStream,
			Group:    conf.IntakeGroup,
		}, logger)
		if err != nil {
			logger.Fatal("connect submission stream failed", zap.Error(err))
		}
		ctx, cancel := context.WithCancel(context.Background())
		return func() {
				err := feed.Run(ctx, func(ctx context.Context, msg intake.Message) error {
					err := coord.NewSubmission(ctx, msg.SubmissionID, msg.DatasetID)
					observeAnnouncement(err)
					return err
				})
				logger.Info("Submission intake stopped", zap.Error(err))
			}, func(context.Context) error {
				cancel()
				err := feed.Close()
				logger.Info("Submission intake shutdown")
				return err
			}
	}
}

func runCollector(conf *config.Config, store *blobstore.Store, db resultdb.Store) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		if conf.GCInterval <= 0 {
			return nil, nil
		}
		collector := blobstore.NewCollector(store, conf.GCGrace, logger, db)
		ctx, cancel := context.WithCancel(context.Background())
		return func() {
				ticker := time.NewTicker(conf.GCInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
					stats, err := collector.Collect(ctx)
					if err != nil {
						logger.Error("Blob collection failed", zap.Error(err))
						continue
					}
					logger.Info("Blob collection finished",
						zap.Int("scanned", stats.Scanned),
						zap.Int("deleted", stats.Deleted),
						zap.Int64("freed", stats.Freed))
				}
			}, func(context.Context) error {
				cancel()
				return nil
			}
	}
}

func initHTTPServer(conf *config.Config, rs *rpc.Server, hub *coordinator.Hub) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		r := initHTTPMux(conf, rs, hub)
		srv := http.Server{
			Addr:    conf.HTTPAddr,
			Handler: r,
		}
		return func() {
				logger.Info("Starting http server", zap.String("addr", conf.HTTPAddr))
				if err := srv.ListenAndServe(); errors.Is(err, http.ErrServerClosed) {
					logger.Info("Http server stopped", zap.Error(err))
				} else {
					logger.Error("Http server stopped", zap.Error(err))
				}
			}, func(ctx context.Context) error {
				logger.Info("Http server shutting down")
				return srv.Shutdown(ctx)
			}
	}
}

func initMonitorHTTPServer(conf *config.Config) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		mr := initMonitorHTTPMux(conf)
		if mr == nil {
			return nil, nil
		}
		msrv := http.Server{
			Addr:    conf.MonitorAddr,
			Handler: mr,
		}
		return func() {
				logger.Info("Starting monitoring http server", zap.String("addr", conf.MonitorAddr))
				logger.Info("Monitoring http server stopped", zap.Error(msrv.ListenAndServe()))
			}, func(ctx context.Context) error {
				logger.Info("Monitoring http server shutdown")
				return msrv.Shutdown(ctx)
			}
	}
}

func cleanUpRPC(rs *rpc.Server) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		return nil, func(context.Context) error {
			rs.Close()
			logger.Info("RPC server shutdown")
			return nil
		}
	}
}

func cleanUpDB(db resultdb.Store) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		return nil, func(context.Context) error {
			err := db.Close()
			logger.Info("Result database closed")
			return err
		}
	}
}

func initHTTPMux(conf *config.Config, rs *rpc.Server, hub *coordinator.Hub) http.Handler {
	if conf.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, "", false))
	r.Use(ginzap.RecoveryWithZap(logger, true))

	// Metrics Handle
	if conf.EnableMetrics {
		initGinMetrics(r)
	}

	// Version handle
	r.GET("/version", handleVersion)

	// Add auth token
	if conf.AuthToken != "" {
		r.Use(tokenAuth(conf.AuthToken))
		logger.Info("Attach token auth")
	}

	// Admin RPC surface
	rs.Register(r)

	// WebSocket event feed
	r.GET("/ws", handleWS(hub))

	return r
}

func initMonitorHTTPMux(conf *config.Config) http.Handler {
	if !conf.EnableMetrics && !conf.EnableDebug {
		return nil
	}
	mux := http.NewServeMux()
	if conf.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if conf.EnableDebug {
		initDebugRoute(mux)
	}
	return mux
}

func initDebugRoute(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func initGinMetrics(r *gin.Engine) {
	p := ginprometheus.NewWithConfig(ginprometheus.Config{
		Subsystem:          "gin",
		DisableBodyReading: true,
	})
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		return c.FullPath()
	}
	r.Use(p.HandlerFunc())
}

func tokenAuth(token string) gin.HandlerFunc {
	const bearer = "Bearer "
	return func(c *gin.Context) {
		reqToken := c.GetHeader("Authorization")
		if strings.HasPrefix(reqToken, bearer) && reqToken[len(bearer):] == token {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

func handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"buildVersion": version.Version,
		"goVersion":    runtime.Version(),
		"platform":     runtime.GOARCH,
		"os":           runtime.GOOS,
	})
}

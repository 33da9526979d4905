// Command arbiter-worker runs one evaluation worker shard: it executes
// compile and evaluate operations handed over by the coordinator inside
// the sandbox, resolving all content through the object store.
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
	"github.com/mirradon/arbiter/cmd/arbiter-worker/config"
	"github.com/mirradon/arbiter/cmd/internal/version"
	"github.com/mirradon/arbiter/rpc"
	"github.com/mirradon/arbiter/sandbox"
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

	store := newBlobStore(conf)
	runner := newRunner(conf)
	svc := newService(conf, store, runner)
	logger.Info("Worker ready",
		zap.Int("shard", conf.Shard),
		zap.Int("parallelism", conf.Parallelism))

	rs := rpc.NewServer(rpc.ServerConfig{Shard: conf.Shard}, logger)
	svc.Register(rs)

	servers := []initFunc{
		initHTTPServer(conf, rs),
		initMonitorHTTPServer(conf),
		cleanUpRPC(rs),
	}

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

func newRunner(conf *config.Config) sandbox.Runner {
	runner, err := sandbox.NewExecutor(sandbox.ExecutorConfig{
		Root: conf.RunRoot,
	}, logger)
	if err != nil {
		logger.Fatal("create sandbox executor failed", zap.Error(err))
	}
	return runner
}

func newService(conf *config.Config, store *blobstore.Store, runner sandbox.Runner) *worker.Service {
	languages := worker.DefaultLanguages()
	if conf.LanguagesConf != "" {
		var err error
		languages, err = worker.LoadLanguages(conf.LanguagesConf)
		if err != nil {
			logger.Fatal("load language definitions failed", zap.Error(err))
		}
	}
	svc, err := worker.New(worker.Config{
		Shard:     conf.Shard,
		Store:     store,
		Runner:    runner,
		Languages: languages,
		Capacity:  int64(conf.Parallelism),
		Observe:   execObserve,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("create worker service failed", zap.Error(err))
	}
	return svc
}

func initHTTPServer(conf *config.Config, rs *rpc.Server) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		r := initHTTPMux(conf, rs)
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

func initHTTPMux(conf *config.Config, rs *rpc.Server) http.Handler {
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

	// Operation RPC surface
	rs.Register(r)

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

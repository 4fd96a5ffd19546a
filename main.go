package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/equipment-scanner/config"
	"github.com/Tutortoise/equipment-scanner/detections"
	"github.com/Tutortoise/equipment-scanner/live"
	"github.com/Tutortoise/equipment-scanner/pipeline"
	"github.com/Tutortoise/equipment-scanner/reference"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the YAML config file")
	mode := flag.String("mode", "serve", "serve runs the HTTP API, live runs the camera loop")
	flag.Parse()

	log := logrus.New()
	if err := run(*configPath, *mode, log); err != nil {
		log.WithError(err).Fatal("scanner stopped")
	}
}

func run(configPath, mode string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &pipeline.StartupError{Op: "load config", Cause: err}
	}
	if err := setupLogging(log, cfg.Log); err != nil {
		return &pipeline.StartupError{Op: "configure logging", Cause: err}
	}

	table, err := reference.Load(cfg.Reference.Path)
	if err != nil {
		return &pipeline.StartupError{Op: "load reference table", Cause: err}
	}
	log.WithFields(logrus.Fields{"path": cfg.Reference.Path, "entries": table.Len()}).Info("reference table loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "serve":
		return serve(ctx, cfg, table, log)
	case "live":
		return runLive(ctx, cfg, table, log)
	default:
		return &pipeline.StartupError{Op: "parse flags", Cause: fmt.Errorf("unknown mode %q", mode)}
	}
}

func setupLogging(log *logrus.Logger, cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return nil
}

// loadDetector brings up the ONNX runtime and a pool of sessions at the
// requested inference size. The returned cleanup releases both.
func loadDetector(cfg *config.Config, scan config.ScanConfig, poolSize int, log logrus.FieldLogger) (*poolDetector, *ModelSessionPool, func(), error) {
	modelPath, err := filepath.Abs(cfg.Model.Path)
	if err != nil {
		return nil, nil, nil, &pipeline.StartupError{Op: "resolve model path", Cause: err}
	}
	libPath := sharedLibraryPath(cfg.Model.RuntimeLibrary)
	if err := checkArtifacts(modelPath, libPath); err != nil {
		return nil, nil, nil, err
	}
	if err := initRuntime(libPath, log); err != nil {
		return nil, nil, nil, err
	}

	info, err := detections.LoadModelInfo(modelPath, cfg.Model.LabelsPath)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, nil, nil, &pipeline.StartupError{Op: "inspect model", Cause: err}
	}
	size, err := info.ResolveSize(scan.InferenceSize)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, nil, nil, &pipeline.StartupError{Op: "inspect model", Cause: err}
	}

	threads := threadsPerSession(poolSize)
	factory := func() (*detections.ModelSession, error) {
		session, err := detections.NewModelSession(modelPath, size, info.NumClasses, threads)
		if err != nil {
			return nil, err
		}
		if err := session.Warmup(); err != nil {
			session.Destroy()
			return nil, fmt.Errorf("warmup: %w", err)
		}
		return session, nil
	}

	pool, err := NewModelSessionPool(poolSize, cfg.Pool.AcquireTimeout, factory, log)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, nil, nil, &pipeline.StartupError{Op: "create session pool", Cause: err}
	}

	log.WithFields(logrus.Fields{
		"model":    modelPath,
		"classes":  info.NumClasses,
		"named":    len(info.Names),
		"size":     size,
		"sessions": poolSize,
		"threads":  threads,
	}).Info("detector loaded")

	cleanup := func() {
		pool.Destroy()
		ort.DestroyEnvironment()
	}
	return newPoolDetector(pool, info, size), pool, cleanup, nil
}

func serve(ctx context.Context, cfg *config.Config, table *reference.Table, log *logrus.Logger) error {
	poolSize := cfg.Pool.Size
	if poolSize == 0 {
		poolSize = defaultPoolSize()
	}

	det, pool, cleanup, err := loadDetector(cfg, cfg.Scan, poolSize, log)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := cfg.Scan.Options()
	opts.InferenceSize = det.size
	svc, err := pipeline.NewService(det, table, opts, cfg.Server.RequestTimeout)
	if err != nil {
		return err
	}

	state := &AppState{Scanner: svc, Pool: pool, Log: log}
	srv := &http.Server{
		Handler:      newRouter(state, cfg.Server),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("starting server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return &pipeline.StartupError{Op: "listen", Cause: err}
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runLive(ctx context.Context, cfg *config.Config, table *reference.Table, log *logrus.Logger) error {
	det, _, cleanup, err := loadDetector(cfg, cfg.Live.ScanConfig, 1, log)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := cfg.Live.Options()
	opts.InferenceSize = det.size
	svc, err := pipeline.NewService(det, table, opts, 0)
	if err != nil {
		return err
	}

	quit, restore := live.WatchQuit(os.Stdin)
	defer restore()

	log.WithFields(logrus.Fields{
		"device": cfg.Live.Device,
		"output": cfg.Live.Output,
	}).Info("live scan started, press q to quit")

	loop := &live.Loop{
		Streamer: live.NewFFmpegWebcam(cfg.Live.Device, cfg.Live.FPS, cfg.Live.Width, cfg.Live.Height),
		Scanner:  svc,
		Sink:     live.NewFileSink(cfg.Live.Output),
		Quit:     quit,
		Log:      log,
	}
	return loop.Run(ctx)
}

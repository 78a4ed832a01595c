package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/calibern/screenmatch/internal/capture"
	"github.com/calibern/screenmatch/internal/config"
	"github.com/calibern/screenmatch/internal/cv"
	"github.com/calibern/screenmatch/internal/finder"
	"github.com/calibern/screenmatch/internal/history"
	"github.com/calibern/screenmatch/internal/logging"
	"github.com/calibern/screenmatch/internal/matchcache"
	"github.com/calibern/screenmatch/pkg/templates"
)

func main() {
	var (
		configPath   = flag.String("config", "Settings.ini", "path to settings file")
		templateName = flag.String("template", "", "template key or registry name to find")
		registryPath = flag.String("registry", "", "optional YAML template registry file")
		windowHandle = flag.Uint64("window", 0, "native window handle to capture")
		monitor      = flag.Int("monitor", 0, "monitor index to capture")
		findAll      = flag.Bool("all", false, "find all matches instead of the best one")
		wait         = flag.Duration("wait", 0, "poll until the template appears or this timeout elapses")
		threshold    = flag.Float64("threshold", 0, "similarity threshold override")
	)
	flag.Parse()

	if *templateName == "" {
		fmt.Fprintln(os.Stderr, "usage: screenmatch -template <name> [flags]")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Missing settings file is fine; defaults apply.
		cfg = config.Default()
	}
	log := logging.New(cfg.Log)

	if err := run(cfg, log, *templateName, *registryPath, uintptr(*windowHandle), *monitor, *findAll, *wait, *threshold); err != nil {
		log.Fatal().Err(err).Msg("screenmatch failed")
	}
}

func run(cfg config.Config, log zerolog.Logger, templateName, registryPath string, windowHandle uintptr, monitor int, findAll bool, wait time.Duration, threshold float64) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The finder does not exist yet when the store is built, so route the
	// eviction hook through a pointer filled in once the service is up.
	var finderSvc atomic.Pointer[finder.Service]
	store, err := templates.NewStore(cfg.TemplateDir,
		templates.WithCapacity(cfg.CacheCapacity),
		templates.WithExtensions(cfg.Extensions),
		templates.WithLogger(log),
		templates.WithEvictionHook(func(string) {
			if svc := finderSvc.Load(); svc != nil {
				svc.InvalidateAll()
			}
		}),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := templates.NewRegistry()
	if registryPath != "" {
		if err := registry.LoadFromFile(registryPath); err != nil {
			return err
		}
	}

	opts := []finder.Option{
		finder.WithRegistry(registry),
		finder.WithResultCache(matchcache.New(cfg.ResultCacheTTL)),
		finder.WithLogger(log),
	}

	var recorder *history.DB
	if cfg.HistoryPath != "" {
		recorder, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer recorder.Close()
		opts = append(opts, finder.WithRecorder(recorder))
	}

	manager := capture.NewManager(platformCapabilities(), capture.SessionOptions{
		CaptureTimeout: cfg.CaptureTimeout,
		FrameBuffer:    cfg.FrameBuffer,
		Interval:       cfg.CaptureInterval,
	}, log)
	defer func() {
		if err := manager.StopAll(); err != nil {
			log.Warn().Err(err).Msg("session shutdown reported errors")
		}
	}()

	target := capture.Target{Kind: capture.TargetMonitor, Monitor: monitor}
	if windowHandle != 0 {
		target = capture.Target{Kind: capture.TargetWindow, WindowHandle: windowHandle}
	}

	session, err := manager.CreateSession(target, capture.SessionOptions{})
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		return err
	}
	if recorder != nil {
		_ = recorder.RecordSessionEvent(session.ID(), "started", "")
	}

	opts = append(opts, finder.WithFrameSource(session))
	service := finder.NewService(store, opts...)
	finderSvc.Store(service)

	matchOpts := cv.DefaultMatchOptions()
	matchOpts.Threshold = cfg.DefaultThreshold
	if threshold > 0 {
		matchOpts.Threshold = threshold
	}

	switch {
	case wait > 0:
		result, err := service.WaitForMatch(ctx, templateName, wait, cfg.PollInterval, matchOpts)
		if err != nil {
			return err
		}
		printResult(log, templateName, result)

	case findAll:
		matchOpts.MaxResults = 0
		results, err := service.FindAllMatches(ctx, templateName, nil, matchOpts)
		if err != nil {
			return err
		}
		log.Info().Str("template", templateName).Int("matches", len(results)).Msg("search complete")
		for _, result := range results {
			printResult(log, templateName, result)
		}

	default:
		result, err := service.FindBestMatch(ctx, templateName, nil, matchOpts)
		if err != nil {
			return err
		}
		printResult(log, templateName, result)
	}

	metrics := session.Metrics()
	log.Info().
		Int64("frames", metrics.TotalFrames).
		Int64("dropped", metrics.DroppedFrames).
		Float64("avg_fps", metrics.AverageFPS).
		Msg("session metrics")
	return nil
}

func printResult(log zerolog.Logger, template string, result cv.MatchResult) {
	if !result.Found {
		log.Info().Str("template", template).Float64("best_score", result.Score).Msg("no match")
		return
	}
	log.Info().
		Str("template", template).
		Int("x", result.Bounds.X1).
		Int("y", result.Bounds.Y1).
		Int("w", result.Bounds.Width()).
		Int("h", result.Bounds.Height()).
		Float64("score", result.Score).
		Float64("scale", result.Scale).
		Msg("match found")
}

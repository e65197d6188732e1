package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"xmf-forking-server/pkg/api"
	"xmf-forking-server/pkg/calls"
	"xmf-forking-server/pkg/config"
	"xmf-forking-server/pkg/dispatcher"
	"xmf-forking-server/pkg/forking"
	"xmf-forking-server/pkg/gateway"
	"xmf-forking-server/pkg/media"
	"xmf-forking-server/pkg/messaging"
	"xmf-forking-server/pkg/metrics"
	"xmf-forking-server/pkg/stt"
	"xmf-forking-server/pkg/telemetry/tracing"
	"xmf-forking-server/pkg/tts"
	"xmf-forking-server/pkg/xmf"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	closeLog := configureLogging(cfg.Logging)
	defer closeLog()

	if err := run(cfg); err != nil {
		logger.WithError(err).Fatal("Forking server stopped")
	}
}

// configureLogging applies level, format and the optional rotating file.
func configureLogging(cfg config.LoggingConfig) func() {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		return func() {}
	}
	logFile := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
	return func() { _ = logFile.Close() }
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()
	if cfg.Telemetry.MetricsEnabled {
		metrics.Init(prometheus.DefaultRegisterer)
	}

	callbackURL := cfg.CallbackURL()
	gateways := gateway.NewRegistry(callbackURL, logger)
	resolver := gateway.NewResolver(cfg.Gateway.DNSServer, logger)
	for _, addr := range resolver.ResolveAll(ctx, cfg.Gateway.Hosts) {
		gateways.Add(addr, xmf.NewClient(addr, xmf.ClientConfig{
			Port:    cfg.Gateway.WSAPIPort,
			Path:    cfg.Gateway.WSAPIPath,
			AppName: cfg.Gateway.AppName,
			Timeout: cfg.Gateway.Timeout,
		}, logger))
	}
	if len(gateways.Sessions()) == 0 {
		logger.Warn("No gateways configured, waiting for forking requests only")
	}

	callRegistry := calls.NewRegistry(logger)
	hub := api.NewTranscriptHub(logger)
	defer hub.Close()

	publishers := messaging.Fanout{hub}
	if cfg.Messaging.AMQPURL != "" {
		amqpPublisher := messaging.NewAMQPPublisher(logger, messaging.AMQPConfig{
			URL:      cfg.Messaging.AMQPURL,
			Exchange: cfg.Messaging.AMQPExchange,
		})
		if err := amqpPublisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, call events are not published to the broker")
		} else {
			defer amqpPublisher.Close()
			publishers = append(publishers, amqpPublisher)
		}
	}

	recognizer, err := stt.New(ctx, stt.Config{
		Vendor:                cfg.STT.Vendor,
		DefaultLanguage:       cfg.STT.DefaultLanguage,
		SingleUtterance:       cfg.STT.SingleUtterance,
		AutomaticPunctuation:  cfg.STT.AutomaticPunctuation,
		GoogleCredentialsFile: cfg.STT.GoogleCredentialsFile,
		AWSRegion:             cfg.STT.AWSRegion,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("Speech recognition unavailable, transcription requests will fail")
		recognizer = nil
	} else {
		defer recognizer.Close()
	}

	allocator := media.NewAllocator(media.AllocatorConfig{
		BasePort:    cfg.RTP.BasePort,
		PortRange:   cfg.RTP.PortRange,
		MaxAttempts: cfg.RTP.BindAttempts,
		BufferSize:  cfg.RTP.BufferSize,
	}, logger)

	controller := forking.New(gateways, callRegistry, allocator, recognizer, publishers, forking.Config{
		LocalAddress:         cfg.HTTP.ListenAddress,
		Language:             cfg.STT.DefaultLanguage,
		SingleUtterance:      cfg.STT.SingleUtterance,
		AutomaticPunctuation: cfg.STT.AutomaticPunctuation,
		MaxDuration:          cfg.STT.MaxDuration,
	}, logger)

	var speech api.Speech
	if cfg.TTS.Enabled {
		service, closeTTS, err := buildTTS(ctx, cfg)
		if err != nil {
			logger.WithError(err).Warn("Text to speech unavailable")
		} else {
			defer closeTTS()
			speech = service
		}
	}

	scheduler := cron.New()
	ticker := gateway.NewTicker(gateways, cfg.Gateway.TickInterval, cfg.Gateway.RegisterRetryTicks, logger)
	if _, err := ticker.Schedule(scheduler); err != nil {
		return fmt.Errorf("scheduling liveness ticker: %w", err)
	}
	if _, err := callRegistry.ScheduleSweep(scheduler, cfg.Calls.MaxAge); err != nil {
		return fmt.Errorf("scheduling call sweeper: %w", err)
	}

	server := api.NewServer(api.Deps{
		Dispatcher: dispatcher.New(gateways, callRegistry, publishers, logger),
		Forker:     controller,
		TTS:        speech,
		Gateways:   gateways,
		Calls:      callRegistry,
		Hub:        hub,
	}, api.Config{
		NotifyPath: cfg.HTTP.NotifyPath,
		JWTSecret:  cfg.HTTP.JWTSecret,
	}, logger)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", fmt.Sprint(cfg.HTTP.ListenPort)),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	printBanner(cfg, gateways)

	scheduler.Start()
	registerAll(ctx, gateways)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	<-scheduler.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	logger.Info("Forking server stopped")
	return nil
}

// buildTTS wires the synthesiser, the cache index, the optional GCS mirror
// and the cache watcher.
func buildTTS(ctx context.Context, cfg *config.Config) (*tts.Service, func(), error) {
	synth, err := tts.NewGoogleSynthesizer(ctx, cfg.STT.GoogleCredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { synth.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var index tts.Index = tts.NewMemoryIndex()
	if cfg.TTS.RedisAddr != "" {
		redisIndex, err := tts.NewRedisIndex(ctx, tts.RedisConfig{
			Addr:     cfg.TTS.RedisAddr,
			Password: cfg.TTS.RedisPass,
			DB:       cfg.TTS.RedisDB,
		})
		if err != nil {
			logger.WithError(err).Warn("Redis TTS index unavailable, using in-memory index")
		} else {
			index = redisIndex
			closers = append(closers, func() { redisIndex.Close() })
		}
	}

	var mirror tts.Mirror
	if cfg.TTS.GCSBucket != "" {
		gcs, err := tts.NewGCSMirror(ctx, cfg.TTS.GCSBucket, cfg.TTS.GCSPrefix, cfg.STT.GoogleCredentialsFile)
		if err != nil {
			logger.WithError(err).Warn("GCS TTS mirror unavailable")
		} else {
			mirror = gcs
			closers = append(closers, func() { gcs.Close() })
		}
	}

	service := tts.NewService(synth, index, mirror, cfg.TTS.CacheDir, logger)
	watcher, err := tts.NewWatcher(service.CacheDir(), index, logger)
	if err != nil {
		logger.WithError(err).Warn("TTS cache watcher unavailable")
	} else {
		go watcher.Run(ctx)
		closers = append(closers, func() { watcher.Close() })
	}
	return service, closeAll, nil
}

// registerAll sends the initial registration to every gateway in parallel.
// Failures are retried by the liveness ticker.
func registerAll(ctx context.Context, gateways *gateway.Registry) {
	var wg sync.WaitGroup
	for _, s := range gateways.Sessions() {
		wg.Add(1)
		go func(s *gateway.Session) {
			defer wg.Done()
			_ = gateways.Register(ctx, s)
		}(s)
	}
	wg.Wait()
}

func printBanner(cfg *config.Config, gateways *gateway.Registry) {
	var addrs []string
	for _, s := range gateways.Sessions() {
		addrs = append(addrs, s.Address)
	}
	logger.WithFields(logrus.Fields{
		"callback_url":  cfg.CallbackURL(),
		"gateways":      strings.Join(addrs, ","),
		"listen_port":   cfg.HTTP.ListenPort,
		"rtp_base_port": cfg.RTP.BasePort,
		"stt_vendor":    cfg.STT.Vendor,
		"tts_enabled":   cfg.TTS.Enabled,
		"tick_interval": cfg.Gateway.TickInterval.String(),
	}).Info("XMF forking server started")
}

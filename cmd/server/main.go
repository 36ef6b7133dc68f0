package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lessonlens-server/internal/browser"
	"lessonlens-server/internal/config"
	"lessonlens-server/internal/evidence"
	"lessonlens-server/internal/factlog"
	"lessonlens-server/internal/fusion"
	"lessonlens-server/internal/httpapi"
	"lessonlens-server/internal/lesson"
	mcpserver "lessonlens-server/internal/mcp"
	"lessonlens-server/internal/replay"
	"lessonlens-server/internal/session"
	"lessonlens-server/internal/stream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the LessonLens config file")
	ssePort := flag.Int("sse-port", 0, "Optional MCP SSE port override (falls back to config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.Stdio && cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	facts, err := factlog.New(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize fact log: %v", err)
	}

	var lessons *lesson.Store
	if cfg.Storage.LessonDB != "" {
		lessons, err = lesson.Open(cfg.Storage.LessonDB)
		if err != nil {
			log.Fatalf("failed to open lesson store: %v", err)
		}
		defer lessons.Close()
	}

	driver := browser.NewDriver(cfg.Browser)
	if cfg.Browser.AutoStart {
		if err := driver.Start(ctx); err != nil {
			log.Fatalf("failed to attach to Chrome: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := driver.Shutdown(shutdownCtx); err != nil {
				log.Printf("browser shutdown: %v", err)
			}
		}()
	} else {
		log.Printf("browser auto-start disabled; sessions will fail until Chrome is reachable")
	}

	hub := stream.NewHub(cfg.Stream.BufferSize())
	verifier := replay.NewVerifier(cfg.Verify)

	opener := &session.BrowserOpener{Driver: driver}
	if cfg.Vision.Endpoint != "" {
		opener.Describer = evidence.NewHTTPDescriber(cfg.Vision.Endpoint, cfg.Vision.APIKeyEnv, cfg.Vision.CallTimeout())
	}
	if cfg.State.Endpoint != "" {
		opener.State = evidence.NewHTTPStateReader(cfg.State.Endpoint, cfg.State.CallTimeout())
	}

	registry := session.NewRegistry(opener, session.Deps{
		Engine:        fusion.NewEngine(cfg.Fusion),
		Hub:           hub,
		Facts:         facts,
		TraceDir:      cfg.Recorder.TraceDir,
		TraceMaxFiles: cfg.Recorder.MaxFiles,
		Capture:       cfg.Capture,
		Fusion:        cfg.Fusion,
		PollEvery:     cfg.Browser.InputPollInterval(),
	})
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		registry.StopAll(drainCtx)
	}()

	if cfg.HTTP.Port > 0 {
		api := &httpapi.Server{
			Sessions: registry,
			Hub:      hub,
			Lessons:  lessons,
			Facts:    facts,
			Verifier: verifier,
		}
		go func() {
			log.Printf("starting LessonLens HTTP API on port %d", cfg.HTTP.Port)
			if err := api.Run(ctx, cfg.HTTP.Port); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("HTTP API exited: %v", err)
			}
		}()
	}

	server, err := mcpserver.NewServer(cfg, registry, hub, facts, lessons, verifier)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	switch {
	case cfg.MCP.SSEPort > 0:
		log.Printf("starting LessonLens MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	case cfg.MCP.Stdio:
		log.Printf("starting LessonLens MCP stdio server")
		startErr = server.Start(ctx)
	default:
		// HTTP-only deployment; block until the signal context ends.
		<-ctx.Done()
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}

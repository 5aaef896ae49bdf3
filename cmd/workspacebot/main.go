package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/amarelo/workspacebot/internal/anythingllm"
	"github.com/amarelo/workspacebot/internal/gateway"
	"github.com/amarelo/workspacebot/internal/watch"
	"github.com/amarelo/workspacebot/internal/workspacebot"
)

func main() {
	addr := os.Getenv("WORKSPACEBOT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dataDir := strings.TrimSpace(os.Getenv("WORKSPACEBOT_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".workspacebot"
	}

	client := anythingllm.NewClient(anythingllm.ClientOptions{
		BaseURL:      os.Getenv("WORKSPACEBOT_LLM_URL"),
		Token:        os.Getenv("WORKSPACEBOT_LLM_TOKEN"),
		ShortTimeout: durationEnv("WORKSPACEBOT_LLM_TIMEOUT", 10*time.Second),
		LongTimeout:  durationEnv("WORKSPACEBOT_LLM_LONG_TIMEOUT", 10*time.Minute),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The service must be reachable before any session can be provisioned.
	pingCtx, cancelPing := context.WithTimeout(ctx, 15*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("remote service unreachable: %v", err)
	}
	cancelPing()

	stateDSN := strings.TrimSpace(os.Getenv("WORKSPACEBOT_STATE_DSN"))
	if stateDSN == "" {
		stateDSN = "file://" + dataDir
	}
	sessionBackend, err := workspacebot.BuildStateBackendFromDSN(stateDSN, "sessions", workspacebot.SessionSnapshotSchema)
	if err != nil {
		log.Fatalf("failed to initialize session state backend: %v", err)
	}
	registryBackend, err := workspacebot.BuildStateBackendFromDSN(stateDSN, "registry", workspacebot.RegistrySnapshotSchema)
	if err != nil {
		log.Fatalf("failed to initialize registry state backend: %v", err)
	}

	sessions, err := workspacebot.NewSessionStore(workspacebot.SessionStoreOptions{
		Provider: client,
		Backend:  sessionBackend,
	})
	if err != nil {
		log.Fatalf("failed to load sessions: %v", err)
	}
	defer sessions.Close()
	registry, err := workspacebot.NewFileRegistry(workspacebot.FileRegistryOptions{
		Backend: registryBackend,
	})
	if err != nil {
		log.Fatalf("failed to load file registry: %v", err)
	}
	defer registry.Close()

	queue := workspacebot.NewTaskQueue(workspacebot.TaskQueueOptions{
		Capacity: intEnv("WORKSPACEBOT_QUEUE_SIZE", 0),
	})
	defer queue.Close()

	repairer := workspacebot.NewChartRepairer(workspacebot.ChartRepairerOptions{
		LogPath: strings.TrimSpace(os.Getenv("WORKSPACEBOT_CHART_LOG")),
	})

	engine, err := workspacebot.NewEngine(workspacebot.EngineOptions{
		Service:  client,
		Sessions: sessions,
		Registry: registry,
		Queue:    queue,
		Repairer: repairer,
		DataDir:  dataDir,
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	if watchRoot := strings.TrimSpace(os.Getenv("WORKSPACEBOT_WATCH_DIR")); watchRoot != "" {
		watcher, err := watch.New(watch.Options{
			Root:     watchRoot,
			Engine:   engine,
			Debounce: durationEnv("WORKSPACEBOT_WATCH_DEBOUNCE", 0),
		})
		if err != nil {
			log.Fatalf("failed to build watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("watcher stopped: %v", err)
			}
		}()
	}

	server := gateway.NewServer(engine, gateway.ServerConfig{
		APIToken:        os.Getenv("WORKSPACEBOT_API_TOKEN"),
		RateLimitMax:    intEnv("WORKSPACEBOT_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("WORKSPACEBOT_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("WORKSPACEBOT_MAX_BODY_BYTES", 0),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("workspacebot listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

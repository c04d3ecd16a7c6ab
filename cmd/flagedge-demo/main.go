// Command flagedge-demo wires up a polling-backed edge cache against a
// single backend token and prints the hydrated feature count, mirroring
// the shape of the teacher's example.go wiring but for this core's
// registry/hydrator API rather than a single in-process client.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	edge "github.com/flagedge/flagedge"
	"github.com/flagedge/flagedge/internal/debugapi"
	"github.com/flagedge/flagedge/internal/metrics"
	"github.com/flagedge/flagedge/internal/upstreamhttp"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	secret := os.Getenv("FLAGEDGE_TOKEN")
	if secret == "" {
		secret = "*:dev.demo"
	}
	token, err := edge.ParseToken(secret)
	if err != nil {
		log.Fatalf("invalid token: %v", err)
	}

	baseURL := os.Getenv("FLAGEDGE_UPSTREAM_URL")
	if baseURL == "" {
		baseURL = "http://localhost:4242"
	}

	cfg, err := edge.BuildConfig(
		edge.WithLogger(logger),
		edge.WithAppName("flagedge-demo"),
	)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	upstream := upstreamhttp.New(baseURL, upstreamhttp.Options{
		HTTPClient:     cfg.HTTPClient,
		AppName:        cfg.AppName,
		InstanceID:     cfg.InstanceID,
		ConnectionID:   cfg.ConnectionID,
		SpecVersion:    cfg.SpecVersion,
		Headers:        cfg.Headers,
		RequestTimeout: cfg.RequestTimeout,
		UploadTimeout:  cfg.UploadTimeout,
		Logger:         logger,
	})

	registry := edge.NewRegistry(nil)
	store := edge.NewEnvStore(logger)
	m := metrics.New(nil)

	hydrator := edge.NewPollingHydrator(registry, store, upstream, nil, cfg, m)
	defer hydrator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hydrator.RegisterTokenForRefresh(ctx, token); err != nil {
		log.Fatalf("register: %v", err)
	}

	payload, ok := store.Features(token.Environment)
	if !ok {
		logger.Warn("no features hydrated yet", "environment", token.Environment)
	} else {
		logger.Info("hydrated", "environment", token.Environment, "feature_count", len(payload.Features))
	}

	go func() {
		logger.Info("debug api listening", "addr", ":9090")
		if err := http.ListenAndServe(":9090", debugapi.Router(registry)); err != nil {
			logger.Error("debug api stopped", "error", err)
		}
	}()

	<-ctx.Done()
}

// Webhook simulator for load and smoke testing the ingestion API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicekit/callrelay/internal/simulate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	baseURL := flag.String("url", "http://localhost:8080", "API base URL (must match the server's Twilio base URL for signatures to verify)")
	slug := flag.String("slug", "demo", "tenant slug")
	provider := flag.String("provider", "twilio", "provider to simulate: twilio or vapi")
	count := flag.Int("count", 100, "number of calls (twilio) or reports (vapi)")
	twilioToken := flag.String("twilio-token", "", "Twilio auth token for signing; empty sends unsigned")
	vapiSecret := flag.String("vapi-secret", "", "Vapi secret for signing; empty sends unsigned")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	sim := simulate.New(simulate.Config{
		BaseURL:         *baseURL,
		Slug:            *slug,
		TwilioAuthToken: *twilioToken,
		VapiSecret:      *vapiSecret,
	}, logger)

	start := time.Now()
	var err error
	switch *provider {
	case "vapi":
		err = sim.RunVapi(ctx, *count)
	default:
		err = sim.RunTwilio(ctx, *count)
	}
	if err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}

	logger.Info("simulation complete",
		"provider", *provider,
		"count", *count,
		"elapsed", time.Since(start).String())
}

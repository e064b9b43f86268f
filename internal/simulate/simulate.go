// Package simulate generates synthetic provider webhooks for load and
// smoke testing the ingestion path. Requests are signed the way the real
// providers sign theirs, so strict verification stays on.
package simulate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicekit/callrelay/internal/signature"
)

type Config struct {
	// BaseURL is the API to fire at, e.g. http://localhost:8080.
	BaseURL string
	// Slug is the tenant slug in the webhook path.
	Slug string
	// TwilioAuthToken signs Twilio callbacks; empty sends them unsigned.
	TwilioAuthToken string
	// VapiSecret signs Vapi bodies; empty sends them unsigned.
	VapiSecret string
}

type Simulator struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

func New(config Config, logger *slog.Logger) *Simulator {
	return &Simulator{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// RunTwilio sends count call lifecycles (ringing, in-progress, completed)
// as Twilio status callbacks. Each lifecycle uses a fresh CallSid.
func (s *Simulator) RunTwilio(ctx context.Context, count int) error {
	endpoint := s.config.BaseURL + "/webhooks/twilio/" + s.config.Slug

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		callSid := "CA" + strings.ReplaceAll(uuid.New().String(), "-", "")
		for _, status := range []string{"ringing", "in-progress", "completed"} {
			form := url.Values{
				"CallSid":    {callSid},
				"AccountSid": {"ACsimulated"},
				"From":       {"+15550001111"},
				"To":         {"+15550002222"},
				"CallStatus": {status},
				"Direction":  {"inbound"},
			}
			if status == "completed" {
				form.Set("CallDuration", strconv.Itoa(30+i%120))
			}
			if err := s.postTwilio(ctx, endpoint, form); err != nil {
				return fmt.Errorf("call %d (%s): %w", i, status, err)
			}
		}
		if i > 0 && i%100 == 0 {
			s.logger.Info("progress", "calls", i)
		}
	}
	return nil
}

// RunVapi sends count end-of-call reports as Vapi server messages.
func (s *Simulator) RunVapi(ctx context.Context, count int) error {
	endpoint := s.config.BaseURL + "/webhooks/vapi/" + s.config.Slug

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		body := fmt.Sprintf(
			`{"message":{"type":"end-of-call-report","timestamp":%d,"durationSeconds":%d,"call":{"id":%q,"type":"inboundPhoneCall"},"analysis":{"structuredData":{"outcome":"info"}}}}`,
			time.Now().UnixMilli(), 30+i%120, "call_"+uuid.New().String(),
		)
		if err := s.postVapi(ctx, endpoint, []byte(body)); err != nil {
			return fmt.Errorf("report %d: %w", i, err)
		}
		if i > 0 && i%100 == 0 {
			s.logger.Info("progress", "reports", i)
		}
	}
	return nil
}

func (s *Simulator) postTwilio(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if s.config.TwilioAuthToken != "" {
		params := make(map[string]string, len(form))
		for name := range form {
			params[name] = form.Get(name)
		}
		req.Header.Set("X-Twilio-Signature", signature.SignTwilio(endpoint, params, s.config.TwilioAuthToken))
	}
	return s.do(req)
}

func (s *Simulator) postVapi(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.VapiSecret != "" {
		req.Header.Set("X-Vapi-Signature", signature.Sign(body, s.config.VapiSecret))
	}
	return s.do(req)
}

func (s *Simulator) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

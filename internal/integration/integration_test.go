package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/voicekit/callrelay/internal/calls"
	"github.com/voicekit/callrelay/internal/clock"
	"github.com/voicekit/callrelay/internal/delivery"
	"github.com/voicekit/callrelay/internal/ingest"
	"github.com/voicekit/callrelay/internal/metrics"
	"github.com/voicekit/callrelay/internal/observability"
	"github.com/voicekit/callrelay/internal/queue"
	"github.com/voicekit/callrelay/internal/repository/postgres"
	"github.com/voicekit/callrelay/internal/resilience"
	"github.com/voicekit/callrelay/internal/retry"
	"github.com/voicekit/callrelay/internal/signature"
	"github.com/voicekit/callrelay/internal/worker"
)

const (
	testBaseURL     = "https://relay.example.com"
	testTwilioToken = "twilio-auth-token-e2e"
	testVapiSecret  = "vapi-secret-e2e"
)

// syncEnqueuer routes tasks straight into the worker handler, so webhook
// requests run the whole pipeline before the response is written. Kafka adds
// transport between the two halves, not semantics, and these tests are about
// the semantics.
type syncEnqueuer struct {
	handler *worker.Handler
}

func (e *syncEnqueuer) Enqueue(ctx context.Context, task queue.Task) error {
	return e.handler.HandleTask(ctx, task)
}

type testEnv struct {
	pgContainer    *tcpostgres.PostgresContainer
	redisContainer *tcredis.RedisContainer
	pool           *pgxpool.Pool
	redisClient    *redis.Client
	router         http.Handler
	engine         *delivery.Engine
	poller         *retry.Poller
	ctx            context.Context
	cancel         context.CancelFunc
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("callrelay_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		cancel()
		t.Fatalf("failed to start postgres container: %v", err)
	}

	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	fail := func(format string, args ...any) {
		_ = redisContainer.Terminate(ctx)
		_ = pgContainer.Terminate(ctx)
		cancel()
		t.Fatalf(format, args...)
	}

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fail("failed to get postgres connection string: %v", err)
	}
	redisConnStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		fail("failed to get redis connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, pgConnStr)
	if err != nil {
		fail("failed to connect to postgres: %v", err)
	}
	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		fail("failed to run migrations: %v", err)
	}

	redisOpt, err := redis.ParseURL(redisConnStr)
	if err != nil {
		pool.Close()
		fail("failed to parse redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tenantRepo := postgres.NewTenantRepository(pool)
	eventRepo := postgres.NewEventRepository(pool)
	callRepo := postgres.NewCallRepository(pool)
	logRepo := postgres.NewDeliveryLogRepository(pool)
	metricsRepo := postgres.NewMetricsRepository(pool)

	// Unique namespace to avoid duplicate metric registration across tests.
	obs := observability.NewMetrics(fmt.Sprintf("callrelay_test_%d", rand.Int63()))

	rateLimiter := resilience.NewRedisRateLimiter(redisClient, time.Second, logger)
	breakerCfg := resilience.DefaultBreakerConfig()
	// Keep the breaker out of the way: the retry test drives five straight
	// failures and must see every one of them consume budget.
	breakerCfg.MinRequests = 1000
	breaker := resilience.NewBreakerManager(breakerCfg)

	engine := delivery.NewEngine(
		delivery.EngineConfig{RatePerTenant: 100, Timeout: 5 * time.Second},
		tenantRepo,
		eventRepo,
		logRepo,
		&http.Client{Timeout: 5 * time.Second},
		clock.RealClock{},
		retry.DefaultPolicy(),
		logger,
		obs,
	).WithResilience(rateLimiter, breaker)

	enqueuer := &syncEnqueuer{}
	reducer := calls.NewReducer(eventRepo, callRepo, enqueuer, clock.RealClock{}, obs, logger)
	recomputer := metrics.NewRecomputer(callRepo, metricsRepo, clock.RealClock{}, obs, logger)
	enqueuer.handler = worker.NewHandler(reducer, recomputer, engine, eventRepo, logger)

	deduper := resilience.NewIdempotencyCache(redisClient, logger)
	replayer := delivery.NewReplayer(logRepo, eventRepo, enqueuer, clock.RealClock{}, logger)

	healthHandler := observability.NewHealthHandler().WithCheck("postgres", pool)
	healthHandler.SetReady(true)

	handler := ingest.NewHandler(
		ingest.HandlerConfig{StrictSignatures: true, TwilioBaseURL: testBaseURL},
		tenantRepo,
		eventRepo,
		logRepo,
		enqueuer,
		deduper,
		replayer,
		clock.RealClock{},
		obs,
		logger,
	)
	router := ingest.NewRouter(ingest.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       obs,
		Logger:        logger,
	})

	poller := retry.NewPoller(eventRepo, engine, clock.RealClock{},
		retry.PollerConfig{PollInterval: 50 * time.Millisecond, BatchSize: 10}, logger)

	return &testEnv{
		pgContainer:    pgContainer,
		redisContainer: redisContainer,
		pool:           pool,
		redisClient:    redisClient,
		router:         router,
		engine:         engine,
		poller:         poller,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (e *testEnv) teardown(t *testing.T) {
	t.Helper()
	e.pool.Close()
	e.redisClient.Close()
	_ = e.redisContainer.Terminate(e.ctx)
	_ = e.pgContainer.Terminate(e.ctx)
	e.cancel()
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrations := []string{
		`CREATE TABLE tenants (
			id                 TEXT PRIMARY KEY,
			slug               TEXT NOT NULL UNIQUE,
			status             TEXT NOT NULL DEFAULT 'active',
			twilio_account_sid TEXT,
			twilio_auth_token  TEXT,
			vapi_secret        TEXT,
			phone_numbers      TEXT[] NOT NULL DEFAULT '{}',
			webhook_url        TEXT,
			webhook_secret     TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE events (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL REFERENCES tenants(id),
			type                  TEXT NOT NULL,
			provider              TEXT NOT NULL,
			external_call_id      TEXT NOT NULL,
			idempotency_key       TEXT NOT NULL,
			direction             TEXT NOT NULL,
			from_number           TEXT,
			to_number             TEXT,
			call_status           TEXT,
			duration_seconds      INT,
			transcript            TEXT,
			recording_url         TEXT,
			ai_handled            BOOLEAN NOT NULL DEFAULT FALSE,
			outcome               TEXT,
			occurred_at           TIMESTAMPTZ,
			raw                   JSONB,
			status                TEXT NOT NULL DEFAULT 'pending',
			delivery_attempts     INT NOT NULL DEFAULT 0,
			max_delivery_attempts INT NOT NULL DEFAULT 5,
			next_attempt_at       TIMESTAMPTZ,
			last_error            TEXT,
			delivered_at          TIMESTAMPTZ,
			processed_at          TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, idempotency_key)
		)`,
		`CREATE TABLE calls (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL REFERENCES tenants(id),
			provider         TEXT NOT NULL,
			external_call_id TEXT NOT NULL,
			status           TEXT NOT NULL,
			direction        TEXT NOT NULL,
			from_number      TEXT,
			to_number        TEXT,
			ai_handled       BOOLEAN NOT NULL DEFAULT FALSE,
			outcome          TEXT,
			transcript       TEXT,
			recording_url    TEXT,
			duration_seconds INT,
			started_at       TIMESTAMPTZ,
			answered_at      TIMESTAMPTZ,
			ended_at         TIMESTAMPTZ,
			raw              JSONB,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, provider, external_call_id)
		)`,
		`CREATE TABLE delivery_logs (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			event_id         TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			url              TEXT NOT NULL,
			attempt_number   INT NOT NULL,
			request_body     TEXT NOT NULL,
			signature_header TEXT,
			status           TEXT NOT NULL,
			status_code      INT,
			response_body    TEXT,
			error            TEXT,
			duration_ms      INT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at     TIMESTAMPTZ
		)`,
		`CREATE TABLE daily_metrics (
			tenant_id              TEXT NOT NULL,
			day                    TIMESTAMPTZ NOT NULL,
			total_calls            INT NOT NULL DEFAULT 0,
			inbound_calls          INT NOT NULL DEFAULT 0,
			outbound_calls         INT NOT NULL DEFAULT 0,
			ai_handled_calls       INT NOT NULL DEFAULT 0,
			booked_calls           INT NOT NULL DEFAULT 0,
			transferred_calls      INT NOT NULL DEFAULT 0,
			info_calls             INT NOT NULL DEFAULT 0,
			missed_calls           INT NOT NULL DEFAULT 0,
			total_duration_seconds BIGINT NOT NULL DEFAULT 0,
			avg_duration_seconds   DOUBLE PRECISION NOT NULL DEFAULT 0,
			computed_at            TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, day)
		)`,
		`CREATE INDEX idx_events_due ON events(next_attempt_at) WHERE status = 'retrying'`,
	}

	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (e *testEnv) createTenant(t *testing.T, slug, phoneNumber, webhookURL string) string {
	t.Helper()
	id := "ten_" + slug
	_, err := e.pool.Exec(e.ctx, `
		INSERT INTO tenants (id, slug, status, twilio_auth_token, vapi_secret, phone_numbers, webhook_url, webhook_secret)
		VALUES ($1, $2, 'active', $3, $4, $5, $6, $7)`,
		id, slug, testTwilioToken, testVapiSecret, []string{phoneNumber}, webhookURL, "endpoint-secret")
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	return id
}

// postTwilio signs and posts a Twilio status callback the way Twilio does:
// form-encoded, HMAC-SHA1 over the public callback URL plus sorted params.
func (e *testEnv) postTwilio(t *testing.T, slug string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	path := "/webhooks/twilio/" + slug

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signature.SignTwilio(testBaseURL+path, params, testTwilioToken))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestEndToEndTwilioWebhookToDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	tenantID := env.createTenant(t, "acme", "+15557000001", endpoint.URL)

	rec := env.postTwilio(t, "acme", map[string]string{
		"CallSid":      "CA_e2e_001",
		"AccountSid":   "AC_test",
		"CallStatus":   "completed",
		"Direction":    "inbound",
		"From":         "+15551112222",
		"To":           "+15557000001",
		"CallDuration": "95",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		EventID string `json:"event_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "accepted" {
		t.Fatalf("expected status 'accepted', got %q", resp.Status)
	}

	// Tasks run synchronously, so the delivery already happened.
	select {
	case r := <-received:
		body := <-bodies
		if got := r.Header.Get("X-Event-Id"); got != resp.EventID {
			t.Errorf("X-Event-Id = %q, want %q", got, resp.EventID)
		}
		if got := r.Header.Get("X-Attempt-Number"); got != "1" {
			t.Errorf("X-Attempt-Number = %q, want 1", got)
		}

		var payload delivery.Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("failed to parse delivered payload: %v", err)
		}
		if payload.EventType != "call.completed" {
			t.Errorf("eventType = %q, want call.completed", payload.EventType)
		}
		if payload.Data.ExternalCallID != "CA_e2e_001" {
			t.Errorf("externalCallId = %q, want CA_e2e_001", payload.Data.ExternalCallID)
		}

		// The signature covers the serialization without the signature field.
		header := r.Header.Get("X-Webhook-Signature")
		if header == "" || payload.Signature != header {
			t.Fatalf("signature header %q does not match embedded %q", header, payload.Signature)
		}
		payload.Signature = ""
		unsigned, _ := json.Marshal(payload)
		if !signature.VerifyBody(unsigned, "endpoint-secret", header) {
			t.Error("delivered signature does not verify against tenant secret")
		}
	default:
		t.Fatal("webhook was not delivered to the tenant endpoint")
	}

	var status string
	var attempts int
	err := env.pool.QueryRow(env.ctx,
		"SELECT status, delivery_attempts FROM events WHERE id = $1", resp.EventID,
	).Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("failed to query event: %v", err)
	}
	if status != "completed" {
		t.Errorf("event status = %q, want completed", status)
	}
	if attempts != 1 {
		t.Errorf("delivery_attempts = %d, want 1", attempts)
	}

	var callStatus string
	var duration int
	err = env.pool.QueryRow(env.ctx,
		"SELECT status, duration_seconds FROM calls WHERE tenant_id = $1 AND external_call_id = $2",
		tenantID, "CA_e2e_001",
	).Scan(&callStatus, &duration)
	if err != nil {
		t.Fatalf("failed to query call: %v", err)
	}
	if callStatus != "completed" {
		t.Errorf("call status = %q, want completed", callStatus)
	}
	if duration != 95 {
		t.Errorf("duration_seconds = %d, want 95", duration)
	}

	var totalCalls, totalDuration int
	err = env.pool.QueryRow(env.ctx,
		"SELECT total_calls, total_duration_seconds FROM daily_metrics WHERE tenant_id = $1", tenantID,
	).Scan(&totalCalls, &totalDuration)
	if err != nil {
		t.Fatalf("failed to query daily metrics: %v", err)
	}
	if totalCalls != 1 || totalDuration != 95 {
		t.Errorf("rollup = (%d calls, %ds), want (1, 95s)", totalCalls, totalDuration)
	}
}

func TestEndToEndDuplicateWebhookStoredOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	delivered := 0
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	tenantID := env.createTenant(t, "dupes", "+15557000002", endpoint.URL)

	params := map[string]string{
		"CallSid":    "CA_dup_001",
		"CallStatus": "ringing",
		"Direction":  "inbound",
		"From":       "+15553334444",
		"To":         "+15557000002",
	}

	statuses := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		rec := env.postTwilio(t, "dupes", params)
		if rec.Code != http.StatusOK {
			t.Fatalf("post %d: expected status 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
		var resp struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		statuses = append(statuses, resp.Status)
	}

	if statuses[0] != "accepted" {
		t.Errorf("first post status = %q, want accepted", statuses[0])
	}
	for i, s := range statuses[1:] {
		if s != "duplicate" {
			t.Errorf("repeat post %d status = %q, want duplicate", i+2, s)
		}
	}

	var eventCount, callCount int
	if err := env.pool.QueryRow(env.ctx,
		"SELECT COUNT(*) FROM events WHERE tenant_id = $1", tenantID).Scan(&eventCount); err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if err := env.pool.QueryRow(env.ctx,
		"SELECT COUNT(*) FROM calls WHERE tenant_id = $1", tenantID).Scan(&callCount); err != nil {
		t.Fatalf("failed to count calls: %v", err)
	}
	if eventCount != 1 {
		t.Errorf("event count = %d, want 1 (idempotent insert)", eventCount)
	}
	if callCount != 1 {
		t.Errorf("call count = %d, want 1", callCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Errorf("delivered count = %d, want 1 (duplicates must not redeliver)", delivered)
	}
}

func TestEndToEndSuspendedTenantRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	_, err := env.pool.Exec(env.ctx, `
		INSERT INTO tenants (id, slug, status, twilio_auth_token, vapi_secret, phone_numbers, webhook_url, webhook_secret)
		VALUES ('ten_frozen', 'frozen', 'suspended', $1, $2, $3, 'https://example.com/hook', 'endpoint-secret')`,
		testTwilioToken, testVapiSecret, []string{"+15557000005"})
	if err != nil {
		t.Fatalf("failed to create suspended tenant: %v", err)
	}

	rec := env.postTwilio(t, "frozen", map[string]string{
		"CallSid":    "CA_frozen_001",
		"CallStatus": "completed",
		"Direction":  "inbound",
		"From":       "+15551230000",
		"To":         "+15557000005",
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for suspended tenant, got %d: %s", rec.Code, rec.Body.String())
	}

	var count int
	if err := env.pool.QueryRow(env.ctx,
		"SELECT COUNT(*) FROM events WHERE tenant_id = 'ten_frozen'").Scan(&count); err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if count != 0 {
		t.Errorf("event count = %d, suspended tenant must not store events", count)
	}
}

func TestEndToEndRetryExhaustionAndReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	var mu sync.Mutex
	failing := true
	hits := 0
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	env.createTenant(t, "flaky", "+15557000003", endpoint.URL)

	rec := env.postTwilio(t, "flaky", map[string]string{
		"CallSid":    "CA_retry_001",
		"CallStatus": "completed",
		"Direction":  "inbound",
		"From":       "+15556667777",
		"To":         "+15557000003",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	// First attempt already failed inline during ingestion.
	var status string
	err := env.pool.QueryRow(env.ctx,
		"SELECT status FROM events WHERE id = $1", resp.EventID).Scan(&status)
	if err != nil {
		t.Fatalf("failed to query event: %v", err)
	}
	if status != "retrying" {
		t.Fatalf("event status after first failure = %q, want retrying", status)
	}

	// Let the poller chew through the remaining budget. The schedule waits
	// minutes between attempts, so keep pulling next_attempt_at into the past.
	pollerCtx, pollerCancel := context.WithCancel(env.ctx)
	defer pollerCancel()
	go env.poller.Start(pollerCtx)
	defer env.poller.Stop()

	deadline := time.Now().Add(15 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for dead_letter, status = %s", status)
		}
		_, err = env.pool.Exec(env.ctx,
			"UPDATE events SET next_attempt_at = NOW() - INTERVAL '1 second' WHERE id = $1 AND status = 'retrying'",
			resp.EventID)
		if err != nil {
			t.Fatalf("failed to backdate next_attempt_at: %v", err)
		}
		if err = env.pool.QueryRow(env.ctx,
			"SELECT status FROM events WHERE id = $1", resp.EventID).Scan(&status); err != nil {
			t.Fatalf("failed to query event: %v", err)
		}
		if status == "dead_letter" {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	var attempts, logCount int
	if err = env.pool.QueryRow(env.ctx,
		"SELECT delivery_attempts FROM events WHERE id = $1", resp.EventID).Scan(&attempts); err != nil {
		t.Fatalf("failed to query attempts: %v", err)
	}
	if err = env.pool.QueryRow(env.ctx,
		"SELECT COUNT(*) FROM delivery_logs WHERE event_id = $1", resp.EventID).Scan(&logCount); err != nil {
		t.Fatalf("failed to count delivery logs: %v", err)
	}
	if attempts != 5 {
		t.Errorf("delivery_attempts = %d, want 5", attempts)
	}
	if logCount != 5 {
		t.Errorf("delivery log count = %d, want 5 (one immutable row per attempt)", logCount)
	}

	// Fix the endpoint and replay from the last failed attempt.
	mu.Lock()
	failing = false
	mu.Unlock()

	var lastLogID string
	if err = env.pool.QueryRow(env.ctx,
		"SELECT id FROM delivery_logs WHERE event_id = $1 ORDER BY attempt_number DESC LIMIT 1",
		resp.EventID).Scan(&lastLogID); err != nil {
		t.Fatalf("failed to find last delivery log: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/deliveries/"+lastLogID+"/replay", nil)
	replayRec := httptest.NewRecorder()
	env.router.ServeHTTP(replayRec, req)
	if replayRec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", replayRec.Code, replayRec.Body.String())
	}

	if err = env.pool.QueryRow(env.ctx,
		"SELECT status FROM events WHERE id = $1", resp.EventID).Scan(&status); err != nil {
		t.Fatalf("failed to query event after replay: %v", err)
	}
	if status != "completed" {
		t.Errorf("event status after successful replay = %q, want completed", status)
	}
	if err = env.pool.QueryRow(env.ctx,
		"SELECT COUNT(*) FROM delivery_logs WHERE event_id = $1", resp.EventID).Scan(&logCount); err != nil {
		t.Fatalf("failed to count delivery logs: %v", err)
	}
	if logCount != 6 {
		t.Errorf("delivery log count after replay = %d, want 6", logCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 6 {
		t.Errorf("endpoint hit count = %d, want 6 (5 failures + 1 replay)", hits)
	}
}

func TestEndToEndVapiReport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	tenantID := env.createTenant(t, "vapi-clinic", "+15557000004", endpoint.URL)

	body := []byte(`{
		"message": {
			"type": "end-of-call-report",
			"endedReason": "customer-ended-call",
			"durationSeconds": 180.4,
			"call": {
				"id": "vapi_call_e2e_1",
				"type": "inboundPhoneCall",
				"customer": {"number": "+15558889999"},
				"phoneNumber": {"number": "+15557000004"}
			},
			"artifact": {"transcript": "Caller booked a cleaning for Tuesday."},
			"analysis": {
				"summary": "Booked appointment.",
				"structuredData": {"outcome": "booked"}
			}
		}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/vapi/vapi-clinic", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vapi-Signature", signature.Sign(body, testVapiSecret))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var callStatus, outcome string
	var aiHandled bool
	err := env.pool.QueryRow(env.ctx,
		"SELECT status, outcome, ai_handled FROM calls WHERE tenant_id = $1 AND external_call_id = $2",
		tenantID, "vapi_call_e2e_1",
	).Scan(&callStatus, &outcome, &aiHandled)
	if err != nil {
		t.Fatalf("failed to query call: %v", err)
	}
	if callStatus != "completed" {
		t.Errorf("call status = %q, want completed", callStatus)
	}
	if outcome != "booked" {
		t.Errorf("outcome = %q, want booked", outcome)
	}
	if !aiHandled {
		t.Error("expected ai_handled = true for a Vapi call")
	}

	var bookedCalls, aiCalls int
	err = env.pool.QueryRow(env.ctx,
		"SELECT booked_calls, ai_handled_calls FROM daily_metrics WHERE tenant_id = $1", tenantID,
	).Scan(&bookedCalls, &aiCalls)
	if err != nil {
		t.Fatalf("failed to query daily metrics: %v", err)
	}
	if bookedCalls != 1 || aiCalls != 1 {
		t.Errorf("rollup = (booked=%d, ai=%d), want (1, 1)", bookedCalls, aiCalls)
	}
}

func TestHealthEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	defer env.teardown(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

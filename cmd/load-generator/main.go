package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/plantfloor/workboard/internal/platform/env"
	"github.com/plantfloor/workboard/internal/platform/metrics"
	"golang.org/x/crypto/bcrypt"
)

type config struct {
	FloorAPIBase              string
	StreamerBase              string
	DatabaseURL               string
	Workers                   int
	Machines                  int
	SetupConcurrency          int
	StartupWait               time.Duration
	Duration                  time.Duration
	RampUp                    time.Duration
	ActionsPerWorkerPerSecond float64
	RequestTimeout            time.Duration
	MetricsAddr               string
	Pin                       string
	EnableSSE                 bool
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type actionResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
}

type simulatedWorker struct {
	Index       int
	LoginCode   string
	Pin         string
	ClientIP    string
	AccessToken string
	MachineID   string

	mu        sync.Mutex
	workOrder string
	phase     string
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client
	sseClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeWorkers   atomic.Int64
	activeSSE       atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "workboard_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	loadActionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "workboard_loadgen_actions_total",
		Help: "Activity actions executed by load generator.",
	}, []string{"action", "outcome"})

	activeWorkersCount atomic.Int64
	activeSSECount     atomic.Int64
)

func init() {
	metrics.Default.MustRegister(requestsTotal, loadActionsTotal)
	metrics.Default.MustRegister(metrics.NewGaugeFunc(metrics.Opts{
		Name: "workboard_loadgen_virtual_workers",
		Help: "Current number of active simulated workers sending actions.",
	}, func() float64 { return float64(activeWorkersCount.Load()) }))
	metrics.Default.MustRegister(metrics.NewGaugeFunc(metrics.Opts{
		Name: "workboard_loadgen_sse_connected_workers",
		Help: "Current number of simulated workers with active board streams.",
	}, func() float64 { return float64(activeSSECount.Load()) }))
}

func main() {
	cfg := loadConfig()
	if cfg.Workers <= 0 {
		log.Fatal("LOADGEN_WORKERS must be > 0")
	}
	if cfg.Machines <= 0 {
		log.Fatal("LOADGEN_MACHINES must be > 0")
	}
	if cfg.SetupConcurrency <= 0 {
		log.Fatal("LOADGEN_SETUP_CONCURRENCY must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 4,
		MaxIdleConnsPerHost: cfg.Workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano()%1_000_000, 10),
		apiClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		sseClient: &http.Client{
			Transport: transport,
		},
	}

	if err := r.waitForDependencies(ctx); err != nil {
		log.Fatalf("dependency readiness failed: %v", err)
	}

	if err := seedDirectory(ctx, cfg, r.runID); err != nil {
		log.Fatalf("directory seeding failed: %v", err)
	}

	workers := r.setupWorkers(ctx)
	if len(workers) == 0 {
		log.Fatal("failed to initialize any workers")
	}
	log.Printf("load generator initialized: workers=%d machines=%d duration=%s sse=%v rate_per_worker=%.2f req/s",
		len(workers), cfg.Machines, cfg.Duration.String(), cfg.EnableSSE, cfg.ActionsPerWorkerPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for idx := range workers {
		worker := workers[idx]
		wg.Add(1)
		go func(w *simulatedWorker) {
			defer wg.Done()
			r.runWorker(ctx, w)
		}(worker)
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: success_requests=%d error_requests=%d",
		r.requestsSuccess.Load(), r.requestsError.Load())
}

func loadConfig() config {
	return config{
		FloorAPIBase:              trimRightSlash(env.String("LOADGEN_FLOOR_API_BASE", "http://floor-api:8080")),
		StreamerBase:              trimRightSlash(env.String("LOADGEN_STREAMER_BASE", "http://board-streamer:8081")),
		DatabaseURL:               env.String("DATABASE_URL", env.DefaultDatabaseURL),
		Workers:                   env.Int("LOADGEN_WORKERS", 200),
		Machines:                  env.Int("LOADGEN_MACHINES", 25),
		SetupConcurrency:          env.Int("LOADGEN_SETUP_CONCURRENCY", 25),
		StartupWait:               env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                  env.Duration("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                    env.Duration("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerWorkerPerSecond: floatEnv("LOADGEN_ACTIONS_PER_WORKER_PER_SECOND", 0.3),
		RequestTimeout:            env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:               env.String("LOADGEN_METRICS_ADDR", ":9099"),
		Pin:                       env.String("LOADGEN_PIN", "4711"),
		EnableSSE:                 boolEnv("LOADGEN_ENABLE_SSE", true),
	}
}

// seedDirectory provisions the machines and workers the run will use. There
// is no self-registration on the floor, so the generator writes the
// directory rows itself.
func seedDirectory(ctx context.Context, cfg config, runID string) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	pinHash, err := bcrypt.GenerateFromPassword([]byte(cfg.Pin), bcrypt.MinCost)
	if err != nil {
		return err
	}

	for m := 0; m < cfg.Machines; m++ {
		machineID := fmt.Sprintf("load-%s-m%03d", runID, m)
		codes := make([]string, 0, 8)
		for w := m; w < cfg.Workers; w += cfg.Machines {
			codes = append(codes, loadLoginCode(runID, w))
		}
		defaultCode := ""
		if len(codes) > 0 {
			defaultCode = codes[0]
		}
		if _, err := pool.Exec(ctx,
			`INSERT INTO machines (machine_id, machine_name, default_assignee_code, secondary_assignee_codes)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (machine_id) DO UPDATE
			 SET default_assignee_code = EXCLUDED.default_assignee_code,
			     secondary_assignee_codes = EXCLUDED.secondary_assignee_codes`,
			machineID, fmt.Sprintf("Load Station %d", m), defaultCode, strings.Join(codes, ","),
		); err != nil {
			return err
		}
	}

	for w := 0; w < cfg.Workers; w++ {
		workerID := fmt.Sprintf("load-%s-w%04d", runID, w)
		machineID := fmt.Sprintf("load-%s-m%03d", runID, w%cfg.Machines)
		if _, err := pool.Exec(ctx,
			`INSERT INTO workers (worker_id, full_name, login_code, pin_hash, assigned_machine_id)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (worker_id) DO UPDATE
			 SET pin_hash = EXCLUDED.pin_hash,
			     assigned_machine_id = EXCLUDED.assigned_machine_id`,
			workerID, fmt.Sprintf("Load Worker %04d", w), loadLoginCode(runID, w), string(pinHash), machineID,
		); err != nil {
			return err
		}
	}

	return nil
}

func loadLoginCode(runID string, idx int) string {
	return fmt.Sprintf("9%s%04d", runID, idx)
}

func (r *runner) waitForDependencies(ctx context.Context) error {
	wait := r.cfg.StartupWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}

	if err := r.waitForHTTPStatus(ctx, r.cfg.FloorAPIBase+"/readyz", http.StatusOK, wait); err != nil {
		return fmt.Errorf("floor-api not ready: %w", err)
	}
	if r.cfg.EnableSSE {
		if err := r.waitForHTTPStatus(ctx, r.cfg.StreamerBase+"/readyz", http.StatusOK, wait); err != nil {
			return fmt.Errorf("board-streamer not ready: %w", err)
		}
	}
	return nil
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupWorkers(ctx context.Context) []*simulatedWorker {
	type setupResult struct {
		worker *simulatedWorker
		err    error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			worker, err := r.setupSingleWorker(ctx, idx)
			results <- setupResult{worker: worker, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	workers := make([]*simulatedWorker, 0, r.cfg.Workers)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("worker setup failed: %v", result.err)
			continue
		}
		workers = append(workers, result.worker)
	}
	log.Printf("worker setup complete: success=%d failed=%d", len(workers), failures)
	return workers
}

func (r *runner) setupSingleWorker(ctx context.Context, idx int) (*simulatedWorker, error) {
	worker := &simulatedWorker{
		Index:     idx,
		LoginCode: loadLoginCode(r.runID, idx),
		Pin:       r.cfg.Pin,
		ClientIP:  fmt.Sprintf("10.0.%d.%d", 1+(idx/250), 1+(idx%250)),
		MachineID: fmt.Sprintf("load-%s-m%03d", r.runID, idx%r.cfg.Machines),
	}

	var auth authResponse
	if _, err := r.requestJSON(ctx, worker, "login", http.MethodPost, r.cfg.FloorAPIBase+"/api/v1/auth/login", map[string]string{
		"login_code": worker.LoginCode,
		"pin":        worker.Pin,
	}, nil, &auth, http.StatusOK); err != nil {
		return nil, fmt.Errorf("login %s: %w", worker.LoginCode, err)
	}

	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, fmt.Errorf("empty access token for %s", worker.LoginCode)
	}
	worker.AccessToken = auth.AccessToken

	return worker, nil
}

func (r *runner) runWorker(ctx context.Context, worker *simulatedWorker) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Workers, 1))) * float64(worker.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableSSE {
		go r.runSSELoop(ctx, worker)
	}

	activeWorkersCount.Add(1)
	r.activeWorkers.Add(1)
	defer activeWorkersCount.Add(-1)
	defer r.activeWorkers.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerWorkerPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.ActionsPerWorkerPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker.Index*7)))
	initialJitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, worker, rng)
		}
	}
}

// runAction advances the worker through a plausible lifecycle: start a work
// order, occasionally pause and resume it, eventually finish and pick up the
// next one.
func (r *runner) runAction(ctx context.Context, worker *simulatedWorker, rng *rand.Rand) {
	worker.mu.Lock()
	workOrder := worker.workOrder
	phase := worker.phase
	worker.mu.Unlock()

	switch phase {
	case "", "finished":
		workOrder = fmt.Sprintf("load-%s-wo-%d-%d", r.runID, worker.Index, rng.Intn(1_000_000))
		r.recordAction(ctx, worker, "start", workOrder, "")
	case "running":
		if rng.Float64() < 0.35 {
			r.recordAction(ctx, worker, "stop", workOrder, strconv.Itoa(1+rng.Intn(5)))
		} else {
			r.recordAction(ctx, worker, "finish", workOrder, "")
		}
	case "paused":
		if rng.Float64() < 0.80 {
			r.recordAction(ctx, worker, "resume", workOrder, "")
		} else {
			r.recordAction(ctx, worker, "finish", workOrder, "")
		}
	}
}

func (r *runner) recordAction(ctx context.Context, worker *simulatedWorker, action, workOrder, pauseReason string) {
	payload := map[string]string{
		"action":        action,
		"work_order_id": workOrder,
		"machine_id":    worker.MachineID,
	}
	if pauseReason != "" {
		payload["pause_reason_code"] = pauseReason
	}

	var resp actionResponse
	_, err := r.requestJSON(ctx, worker, "activity_"+action, http.MethodPost, r.cfg.FloorAPIBase+"/api/v1/activity",
		payload, &worker.AccessToken, &resp, http.StatusCreated)
	if err != nil {
		loadActionsTotal.WithLabelValues(action, "error").Inc()
		return
	}
	loadActionsTotal.WithLabelValues(action, "success").Inc()

	worker.mu.Lock()
	defer worker.mu.Unlock()
	worker.workOrder = workOrder
	switch action {
	case "start", "resume":
		worker.phase = "running"
	case "stop":
		worker.phase = "paused"
	case "finish":
		worker.phase = "finished"
		worker.workOrder = ""
	}
}

func (r *runner) runSSELoop(ctx context.Context, worker *simulatedWorker) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.connectAndReadSSE(ctx, worker)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sse reconnect worker=%s err=%v", worker.LoginCode, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) connectAndReadSSE(ctx context.Context, worker *simulatedWorker) error {
	sseURL := r.cfg.StreamerBase + "/events?token=" + url.QueryEscape(worker.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Forwarded-For", worker.ClientIP)

	resp, err := r.sseClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("events_stream_open", http.MethodGet, "0", "error").Inc()
		r.requestsError.Add(1)
		return err
	}
	defer resp.Body.Close()

	statusText := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		requestsTotal.WithLabelValues("events_stream_open", http.MethodGet, statusText, "error").Inc()
		r.requestsError.Add(1)
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected SSE status: %d", resp.StatusCode)
	}

	requestsTotal.WithLabelValues("events_stream_open", http.MethodGet, statusText, "success").Inc()
	r.requestsSuccess.Add(1)

	activeSSECount.Add(1)
	r.activeSSE.Add(1)
	defer activeSSECount.Add(-1)
	defer r.activeSSE.Add(-1)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return nil
}

func (r *runner) requestJSON(
	ctx context.Context,
	worker *simulatedWorker,
	endpoint, method, requestURL string,
	payload any,
	bearerToken *string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Forwarded-For", worker.ClientIP)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != nil && strings.TrimSpace(*bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*bearerToken))
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d active_workers=%d active_sse=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.activeWorkers.Load(),
				r.activeSSE.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func boolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

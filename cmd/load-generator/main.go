package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/famlist/project/internal/platform/metrics"
)

type config struct {
	CommandAPIBase          string
	Users                   int
	SetupConcurrency        int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	Password                string
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type familyResponse struct {
	ID string `json:"id"`
}

type todoResponse struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

type simulatedUser struct {
	Index       int
	Username    string
	Password    string
	AccessToken string
	FamilyID    string

	mu    sync.Mutex
	todos []string
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "famlist_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "famlist_loadgen_actions_total",
		Help: "User actions executed by load generator.",
	}, []string{"action", "outcome"})

	virtualUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "famlist_loadgen_virtual_users",
		Help: "Current number of active virtual users sending actions.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, virtualUsersGauge)
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
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

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		apiClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Users * 4,
				MaxIdleConnsPerHost: cfg.Users * 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if err := r.waitForHTTPStatus(ctx, cfg.CommandAPIBase+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		log.Fatalf("command-api not ready: %v", err)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		log.Fatal("failed to initialize any users")
	}
	log.Printf("load generator initialized: users=%d duration=%s rate_per_user=%.2f req/s",
		len(users), cfg.Duration.String(), cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for idx := range users {
		user := users[idx]
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(ctx, u)
		}(user)
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: success_requests=%d error_requests=%d",
		r.requestsSuccess.Load(), r.requestsError.Load())
}

func loadConfig() config {
	return config{
		CommandAPIBase:          trimRightSlash(stringEnv("LOADGEN_COMMAND_API_BASE", "http://command-api:8080")),
		Users:                   intEnv("LOADGEN_USERS", 200),
		SetupConcurrency:        intEnv("LOADGEN_SETUP_CONCURRENCY", 25),
		StartupWait:             durationEnv("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                durationEnv("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                  durationEnv("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.3),
		RequestTimeout:          durationEnv("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             stringEnv("LOADGEN_METRICS_ADDR", ":9099"),
		Password:                stringEnv("LOADGEN_PASSWORD", "load-test-pass-123"),
	}
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
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

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	type setupResult struct {
		user *simulatedUser
		err  error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Users)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Users; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			user, err := r.setupSingleUser(ctx, idx)
			results <- setupResult{user: user, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	users := make([]*simulatedUser, 0, r.cfg.Users)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("user setup failed: %v", result.err)
			continue
		}
		users = append(users, result.user)
	}
	log.Printf("user setup complete: success=%d failed=%d", len(users), failures)
	return users
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	user := &simulatedUser{
		Index:    idx,
		Username: fmt.Sprintf("load-%s-%04d", r.runID, idx),
		Password: r.cfg.Password,
	}

	var auth authResponse
	status, err := r.requestJSON(ctx, "register", http.MethodPost, r.cfg.CommandAPIBase+"/api/v1/auth/register", map[string]string{
		"username": user.Username,
		"password": user.Password,
	}, "", &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", user.Username, err)
	}

	if status == http.StatusConflict {
		auth = authResponse{}
		if _, err := r.requestJSON(ctx, "login", http.MethodPost, r.cfg.CommandAPIBase+"/api/v1/auth/login", map[string]string{
			"username": user.Username,
			"password": user.Password,
		}, "", &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", user.Username, err)
		}
	}

	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, fmt.Errorf("empty access token for %s", user.Username)
	}
	user.AccessToken = auth.AccessToken

	var family familyResponse
	if _, err := r.requestJSON(ctx, "create_family", http.MethodPost, r.cfg.CommandAPIBase+"/api/v1/families", map[string]string{
		"name": fmt.Sprintf("Load Family %d", user.Index),
	}, user.AccessToken, &family, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("create family for %s: %w", user.Username, err)
	}
	if strings.TrimSpace(family.ID) == "" {
		return nil, fmt.Errorf("empty family id for %s", user.Username)
	}
	user.FamilyID = family.ID

	return user, nil
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Users, 1))) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.ActionsPerUserPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
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
			r.runAction(ctx, user, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	todoID, hasTodo := user.randomTodo(rng)

	choice := rng.Float64()
	switch {
	case !hasTodo || choice < 0.45:
		r.createTodo(ctx, user, rng)
	case choice < 0.65:
		r.updateTodo(ctx, user, rng, todoID)
	case choice < 0.80:
		r.completeTodo(ctx, user, todoID)
	case choice < 0.90:
		r.listTodos(ctx, user)
	default:
		r.deleteTodo(ctx, user, todoID)
	}
}

func (r *runner) todosBase(user *simulatedUser) string {
	return r.cfg.CommandAPIBase + "/api/v1/families/" + user.FamilyID + "/todos"
}

func (r *runner) createTodo(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	var resp todoResponse
	_, err := r.requestJSON(ctx, "todo_create", http.MethodPost, r.todosBase(user), map[string]any{
		"title": fmt.Sprintf("Load Todo %d", rng.Intn(1_000_000)),
		"tags":  []string{"load"},
	}, user.AccessToken, &resp, http.StatusCreated)
	if err != nil {
		actionsTotal.WithLabelValues("create", "error").Inc()
		return
	}
	user.addTodo(resp.ID)
	actionsTotal.WithLabelValues("create", "success").Inc()
}

func (r *runner) updateTodo(ctx context.Context, user *simulatedUser, rng *rand.Rand, todoID string) {
	// Conflicts are an expected outcome when writers race the same stream;
	// count them as success so contention shows up in the server metrics
	// instead of here.
	_, err := r.requestJSON(ctx, "todo_update", http.MethodPatch, r.todosBase(user)+"/"+todoID, map[string]string{
		"title": fmt.Sprintf("Updated Load Todo %d", rng.Intn(1_000_000)),
	}, user.AccessToken, nil, http.StatusOK, http.StatusConflict)
	if err != nil {
		actionsTotal.WithLabelValues("update", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("update", "success").Inc()
}

func (r *runner) completeTodo(ctx context.Context, user *simulatedUser, todoID string) {
	_, err := r.requestJSON(ctx, "todo_complete", http.MethodPost, r.todosBase(user)+"/"+todoID+"/complete",
		nil, user.AccessToken, nil, http.StatusOK, http.StatusConflict)
	if err != nil {
		actionsTotal.WithLabelValues("complete", "error").Inc()
		return
	}
	user.removeTodo(todoID)
	actionsTotal.WithLabelValues("complete", "success").Inc()
}

func (r *runner) listTodos(ctx context.Context, user *simulatedUser) {
	_, err := r.requestJSON(ctx, "todo_list", http.MethodGet, r.todosBase(user),
		nil, user.AccessToken, nil, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("list", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("list", "success").Inc()
}

func (r *runner) deleteTodo(ctx context.Context, user *simulatedUser, todoID string) {
	_, err := r.requestJSON(ctx, "todo_delete", http.MethodDelete, r.todosBase(user)+"/"+todoID,
		nil, user.AccessToken, nil, http.StatusNoContent, http.StatusConflict, http.StatusNotFound)
	if err != nil {
		actionsTotal.WithLabelValues("delete", "error").Inc()
		return
	}
	user.removeTodo(todoID)
	actionsTotal.WithLabelValues("delete", "success").Inc()
}

func (r *runner) requestJSON(
	ctx context.Context,
	endpoint, method, requestURL string,
	payload any,
	bearerToken string,
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
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(bearerToken))
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
			log.Printf("progress: success_requests=%d error_requests=%d active_vus=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.activeVUs.Load(),
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

func (u *simulatedUser) addTodo(todoID string) {
	if strings.TrimSpace(todoID) == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.todos = append(u.todos, todoID)
}

func (u *simulatedUser) randomTodo(rng *rand.Rand) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.todos) == 0 {
		return "", false
	}
	return u.todos[rng.Intn(len(u.todos))], true
}

func (u *simulatedUser) removeTodo(todoID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx, existing := range u.todos {
		if existing != todoID {
			continue
		}
		u.todos[idx] = u.todos[len(u.todos)-1]
		u.todos = u.todos[:len(u.todos)-1]
		return
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

func stringEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
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

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

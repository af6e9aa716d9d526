package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/plantfloor/workboard/internal/app/activity"
	"github.com/plantfloor/workboard/internal/app/directory"
	"github.com/plantfloor/workboard/internal/app/identity"
	"github.com/plantfloor/workboard/internal/app/workforce"
	"github.com/plantfloor/workboard/internal/contracts"
	platformauth "github.com/plantfloor/workboard/internal/platform/auth"
	"github.com/plantfloor/workboard/internal/platform/dbpool"
	"github.com/plantfloor/workboard/internal/platform/env"
	"github.com/plantfloor/workboard/internal/platform/natsutil"
)

var workerStreams = newWorkerStreamRegistry()

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamerAddr := env.String("BOARD_STREAMER_ADDR", env.DefaultStreamerAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	locale := env.String("BOARD_LOCALE", "en")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	tokenManager := identity.NewTokenManager(jwtSecret)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	directoryRepo := directory.NewPostgresRepository(pool)
	if err := waitForDirectorySchema(runCtx, directoryRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	eventRepo := activity.NewPostgresEventRepository(pool)
	workforceSvc := workforce.NewService(directoryRepo, eventRepo, locale)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	board := newBoardStream(client.JS, workforceSvc, eventRepo)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkStreamerReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		claims, ok := claimsFromRequest(w, r, tokenManager)
		if !ok {
			return
		}
		streamCtx, cancelStream := context.WithCancel(r.Context())
		streamID := fmt.Sprintf("%d", time.Now().UnixNano())
		if cancelPrev := workerStreams.Replace(claims.Subject, streamID, cancelStream); cancelPrev != nil {
			cancelPrev()
		}
		defer workerStreams.Release(claims.Subject, streamID)
		defer cancelStream()

		shiftFilter := strings.TrimSpace(r.URL.Query().Get("shift"))

		send := func(event string, payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\n", event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		msgCh, unsubscribe, err := board.Subscribe()
		if err != nil {
			http.Error(w, "stream subscription failed", http.StatusInternalServerError)
			return
		}
		defer unsubscribe()

		if snap, err := boardSnapshot(streamCtx, workforceSvc, shiftFilter); err == nil {
			send("board", snap)
		}

		for {
			select {
			case <-streamCtx.Done():
				return
			case streamMsg := <-msgCh:
				if streamMsg.Event != nil {
					send("activity", streamMsg.Event)
				}
				if streamMsg.Board != nil {
					snap := *streamMsg.Board
					snap.ShiftFilter = shiftFilter
					send("board", snap)
				}
			}
		}
	})

	mux.HandleFunc("/events/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := claimsFromRequest(w, r, tokenManager)
		if !ok {
			return
		}
		workerStreams.Cancel(claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              streamerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Keep WriteTimeout unset for long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("Board Streamer listening on %s\n", streamerAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("board-streamer graceful shutdown failed: %v", err)
	}
}

func boardSnapshot(ctx context.Context, svc *workforce.Service, shiftFilter string) (workforce.Snapshot, error) {
	snapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return svc.Snapshot(snapCtx, shiftFilter)
}

type workerStreamLease struct {
	id     string
	cancel context.CancelFunc
}

// workerStreamRegistry holds one live stream per worker; a reconnect replaces
// the previous connection instead of stacking a second one.
type workerStreamRegistry struct {
	mu       sync.Mutex
	byWorker map[string]workerStreamLease
}

func newWorkerStreamRegistry() *workerStreamRegistry {
	return &workerStreamRegistry{byWorker: make(map[string]workerStreamLease)}
}

func (r *workerStreamRegistry) Replace(workerID, streamID string, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prevCancel context.CancelFunc
	if current, ok := r.byWorker[workerID]; ok {
		prevCancel = current.cancel
	}
	r.byWorker[workerID] = workerStreamLease{id: streamID, cancel: cancel}
	return prevCancel
}

func (r *workerStreamRegistry) Release(workerID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byWorker[workerID]
	if !ok {
		return
	}
	if current.id != streamID {
		return
	}
	delete(r.byWorker, workerID)
}

func (r *workerStreamRegistry) Cancel(workerID string) {
	r.mu.Lock()
	lease, ok := r.byWorker[workerID]
	if ok {
		delete(r.byWorker, workerID)
	}
	r.mu.Unlock()

	if ok && lease.cancel != nil {
		lease.cancel()
	}
}

type boardStreamMessage struct {
	Event *contracts.ActivityEvent
	Seq   uint64
	Board *workforce.Snapshot
}

// boardStream fans one JetStream subscription out to every connected viewer.
// The board is plant-wide, so a single shared subscription covers all of
// them; it is torn down when the last viewer leaves.
type boardStream struct {
	js        nats.JetStreamContext
	workforce *workforce.Service
	offsets   *activity.PostgresEventRepository

	mu           sync.Mutex
	sub          *nats.Subscription
	subscribers  map[string]chan boardStreamMessage
	nextID       uint64
	pendingSeq   uint64
	refreshTimer *time.Timer
}

func newBoardStream(js nats.JetStreamContext, workforceSvc *workforce.Service, offsets *activity.PostgresEventRepository) *boardStream {
	return &boardStream{
		js:          js,
		workforce:   workforceSvc,
		offsets:     offsets,
		subscribers: map[string]chan boardStreamMessage{},
	}
}

func (s *boardStream) Subscribe() (<-chan boardStreamMessage, func(), error) {
	ch := make(chan boardStreamMessage, 64)

	s.mu.Lock()
	s.nextID++
	subID := fmt.Sprintf("viewer-%d", s.nextID)
	s.subscribers[subID] = ch
	s.mu.Unlock()

	if err := s.ensureSubscription(); err != nil {
		s.mu.Lock()
		delete(s.subscribers, subID)
		s.mu.Unlock()
		return nil, nil, err
	}

	return ch, func() { s.removeSubscriber(subID) }, nil
}

func (s *boardStream) removeSubscriber(subID string) {
	var (
		shouldStop bool
		sub        *nats.Subscription
		timer      *time.Timer
	)

	s.mu.Lock()
	delete(s.subscribers, subID)
	if len(s.subscribers) == 0 {
		shouldStop = true
		sub = s.sub
		timer = s.refreshTimer
		s.sub = nil
		s.refreshTimer = nil
		s.pendingSeq = 0
	}
	s.mu.Unlock()

	if shouldStop {
		if timer != nil {
			timer.Stop()
		}
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
}

func (s *boardStream) ensureSubscription() error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.js == nil {
		return fmt.Errorf("jetstream is not configured")
	}

	sub, err := s.js.Subscribe("floor.activity.>", func(msg *nats.Msg) {
		var event contracts.ActivityEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}

		var eventSeq uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			eventSeq = meta.Sequence.Stream
		}

		s.broadcast(boardStreamMessage{Event: &event, Seq: eventSeq})
		s.scheduleSnapshot(eventSeq)
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *boardStream) broadcast(msg boardStreamMessage) {
	s.mu.Lock()
	subs := make([]chan boardStreamMessage, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *boardStream) scheduleSnapshot(seq uint64) {
	const snapshotDebounce = 75 * time.Millisecond

	s.mu.Lock()
	if seq > s.pendingSeq {
		s.pendingSeq = seq
	}
	if s.refreshTimer == nil {
		s.refreshTimer = time.AfterFunc(snapshotDebounce, s.runSnapshotRefresh)
		s.mu.Unlock()
		return
	}
	s.refreshTimer.Reset(snapshotDebounce)
	s.mu.Unlock()
}

func (s *boardStream) runSnapshotRefresh() {
	s.mu.Lock()
	targetSeq := s.pendingSeq
	s.pendingSeq = 0
	s.refreshTimer = nil
	hasSubscribers := len(s.subscribers) > 0
	s.mu.Unlock()

	if !hasSubscribers {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	waitForSinkOffset(ctx, s.offsets, targetSeq, 2500*time.Millisecond)
	snap, err := s.workforce.Snapshot(ctx, "")
	if err != nil {
		return
	}

	s.broadcast(boardStreamMessage{Seq: targetSeq, Board: &snap})
}

// waitForSinkOffset blocks until the sink's applied offset reaches the
// target stream sequence, so the refreshed board includes the event that
// triggered it. Timing out just means a slightly stale board goes out.
func waitForSinkOffset(ctx context.Context, repo *activity.PostgresEventRepository, target uint64, timeout time.Duration) {
	if target == 0 {
		return
	}

	deadline := time.Now().Add(timeout)
	delay := 40 * time.Millisecond
	for time.Now().Before(deadline) {
		offset, err := repo.LatestStreamOffset(ctx)
		if err == nil && offset >= target {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		nextDelay := time.Duration(float64(delay) * 1.5)
		if nextDelay > 320*time.Millisecond {
			nextDelay = 320 * time.Millisecond
		}
		delay = nextDelay
	}
}

func waitForDirectorySchema(ctx context.Context, repo *directory.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for directory schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkStreamerReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func claimsFromRequest(w http.ResponseWriter, r *http.Request, tokenManager platformauth.Manager) (platformauth.Claims, bool) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	claims, err := tokenManager.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	return claims, true
}

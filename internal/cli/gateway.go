package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/replyhive/replyhive/internal/authstate"
	"github.com/replyhive/replyhive/internal/blob"
	"github.com/replyhive/replyhive/internal/bus"
	"github.com/replyhive/replyhive/internal/config"
	"github.com/replyhive/replyhive/internal/export"
	"github.com/replyhive/replyhive/internal/learning"
	"github.com/replyhive/replyhive/internal/pipeline"
	"github.com/replyhive/replyhive/internal/protocol"
	"github.com/replyhive/replyhive/internal/provider"
	"github.com/replyhive/replyhive/internal/session"
	"github.com/replyhive/replyhive/internal/store"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the ReplyHive gateway (sessions, pipeline, HTTP API)",
	Run:   runGateway,
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 ReplyHive Gateway")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Config load failed: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		fmt.Printf("❌ Data dir: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(cfg.Paths.DataDir, "replyhive.db"))
	if err != nil {
		fmt.Printf("❌ Store open failed: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	authCache := authstate.New(st, cfg.Session.FlushInterval)
	defer authCache.Stop()

	dialer := protocol.NewWhatsAppDialer(cfg.Paths.DataDir)
	msgBus := bus.NewMessageBus()
	registry := session.NewRegistry(dialer, authCache, st, msgBus, cfg.Session.RestoreDelay)

	llm := provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Model.Name)
	blobs := blob.NewLocalStore(filepath.Join(cfg.Paths.DataDir, "media"))
	pipe := pipeline.New(st, registry, blobs, llm, cfg.Model.Name, cfg.Model.MaxTokens, cfg.Model.Temperature)

	if cfg.Export.Enabled && cfg.Export.Brokers != "" {
		exporter := export.NewKafka(strings.Split(cfg.Export.Brokers, ","), cfg.Export.Topic)
		defer exporter.Close()
		pipe.SetAudit(exporter)
		fmt.Printf("📤 Kafka export enabled (topic %s)\n", cfg.Export.Topic)
	}

	go func() {
		if err := pipe.Run(ctx, msgBus); err != nil && ctx.Err() == nil {
			fmt.Printf("❌ Pipeline stopped: %v\n", err)
			cancel()
		}
	}()

	if cfg.Learning.Enabled {
		rec := learning.New(st, llm, cfg.Model.Name, cfg.Learning.Window)
		runner := learning.NewRunner(rec, st, cfg.Learning.Interval, cfg.Learning.MaxConcurrent)
		go runner.Run(ctx)
		fmt.Printf("🧠 Learning enabled (every %s, window %s)\n", cfg.Learning.Interval, cfg.Learning.Window)
	}

	hub := newStatusHub()
	registry.Subscribe(hub.publish)

	go func() {
		if err := registry.RestoreAll(ctx); err != nil {
			fmt.Printf("⚠️ Session restore: %v\n", err)
		}
	}()

	api := &apiServer{store: st, registry: registry, hub: hub}
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{Addr: addr, Handler: api.handler(cfg.Gateway.AuthToken)}

	go func() {
		fmt.Printf("🖥️  API listening on http://%s\n", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("❌ API server FAILED to start: %v\n", err)
			cancel()
		}
	}()

	<-ctx.Done()
	fmt.Println("\n👋 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	registry.Shutdown()
}

type apiServer struct {
	store    *store.Store
	registry *session.Registry
	hub      *statusHub
}

func (a *apiServer) handler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", a.handleHealth)
	mux.HandleFunc("GET /api/v1/tenants", a.handleListTenants)
	mux.HandleFunc("POST /api/v1/tenants", a.handleCreateTenant)
	mux.HandleFunc("GET /api/v1/tenants/{id}/status", a.handleTenantStatus)
	mux.HandleFunc("POST /api/v1/tenants/{id}/start", a.handleStart)
	mux.HandleFunc("POST /api/v1/tenants/{id}/stop", a.handleStop)
	mux.HandleFunc("POST /api/v1/tenants/{id}/reconnect", a.handleReconnect)
	mux.HandleFunc("POST /api/v1/tenants/{id}/send", a.handleSend)
	mux.HandleFunc("GET /api/v1/tenants/{id}/qr", a.handleQR)
	mux.HandleFunc("GET /api/v1/events", a.handleEvents)

	if authToken == "" {
		return mux
	}
	fmt.Println("🔒 Auth token required for API")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays open for probes.
		if r.URL.Path == "/api/v1/status" {
			mux.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token != authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"active":  len(a.registry.ListActive()),
	})
}

func (a *apiServer) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.store.ListTenants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type row struct {
		store.Tenant
		SessionStatus string `json:"sessionStatus"`
	}
	out := make([]row, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, row{Tenant: t, SessionStatus: string(a.registry.Status(t.ID).Status)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *apiServer) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	t, err := a.store.CreateTenant(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *apiServer) handleTenantStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	t, err := a.store.GetTenant(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	info := a.registry.Status(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":      t,
		"status":      info.Status,
		"pairingCode": info.PairingCode,
	})
}

func (a *apiServer) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	if _, err := a.store.GetTenant(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := a.registry.Start(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": a.registry.Status(id).Status})
}

func (a *apiServer) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req struct {
		ClearAuth bool `json:"clearAuth"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if err := a.registry.Stop(r.Context(), id, req.ClearAuth); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": a.registry.Status(id).Status})
}

func (a *apiServer) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req struct {
		ClearAuth bool `json:"clearAuth"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if err := a.registry.Reconnect(r.Context(), id, req.ClearAuth); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": a.registry.Status(id).Status})
}

func (a *apiServer) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("to and text are required"))
		return
	}
	msgID, err := a.registry.Send(r.Context(), id, req.To, req.Text)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageId": msgID})
}

// handleQR renders the current pairing code as a QR PNG. 404 until the
// session asks for pairing.
func (a *apiServer) handleQR(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	info := a.registry.Status(id)
	if info.PairingCode == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("no pairing code available"))
		return
	}
	png, err := qrcode.Encode(info.PairingCode, qrcode.Medium, 512)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// handleEvents streams session status transitions as server-sent events.
func (a *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := a.hub.subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func tenantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid tenant id"))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusEvent is the SSE payload for a session status transition.
type statusEvent struct {
	TenantID    int64  `json:"tenantId"`
	Status      string `json:"status"`
	PairingCode string `json:"pairingCode,omitempty"`
	At          string `json:"at"`
}

// statusHub fans session status transitions out to SSE subscribers. Slow
// subscribers drop events rather than block the registry.
type statusHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan statusEvent
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]chan statusEvent)}
}

func (h *statusHub) publish(tenantID int64, info session.StatusInfo) {
	evt := statusEvent{
		TenantID:    tenantID,
		Status:      string(info.Status),
		PairingCode: info.PairingCode,
		At:          time.Now().UTC().Format(time.RFC3339),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *statusHub) subscribe() (<-chan statusEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan statusEvent, 16)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

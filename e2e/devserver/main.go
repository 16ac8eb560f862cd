// Command devserver is a single-process stand-in for the OpenBook backend,
// used to run two call agents against each other locally. It provides the
// control plane REST endpoints and a WebSocket signaling exchange with
// in-memory state and no authentication.
//
// Agents identify themselves with a client_id query parameter on the
// signaling URL and an X-Client-ID header on REST requests, e.g.:
//
//	OPENBOOK_CALL_SIGNALING_WS_URL="ws://127.0.0.1:8090/ws?client_id=alice"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openbook-social/calling/internal/signaling"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 8090)

	srv := newDevServer(logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/calls/initiate", srv.handleInitiate)
	r.Post("/api/calls/{id}/accept", srv.handleStatus("accepted"))
	r.Post("/api/calls/{id}/reject", srv.handleStatus("rejected"))
	r.Post("/api/calls/{id}/end", srv.handleEnd)
	r.Get("/api/calls/{id}", srv.handleGet)
	r.Get("/ws", srv.handleWS)

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}
	logger.Info("devserver listening", "addr", ln.Addr().String())

	httpSrv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
}

type callRecord struct {
	ID             string `json:"id"`
	CallerID       string `json:"caller_id"`
	ReceiverID     string `json:"receiver_id"`
	CallType       string `json:"call_type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

type devServer struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	calls   map[string]*callRecord
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn

	// writeMu serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func newDevServer(logger *slog.Logger) *devServer {
	return &devServer{
		log:     logger,
		calls:   make(map[string]*callRecord),
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			// Local testing only; accept any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *devServer) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID     string `json:"receiver_id"`
		CallType       string `json:"call_type"`
		ConversationID string `json:"conversation_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "receiver_id is required"})
		return
	}

	call := &callRecord{
		ID:             uuid.NewString(),
		CallerID:       r.Header.Get("X-Client-ID"),
		ReceiverID:     req.ReceiverID,
		CallType:       req.CallType,
		ConversationID: req.ConversationID,
		Status:         "ringing",
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	s.calls[call.ID] = call
	s.mu.Unlock()

	s.log.Info("call initiated", "call_id", call.ID, "caller", call.CallerID, "receiver", call.ReceiverID)
	writeJSON(w, http.StatusOK, call)
}

func (s *devServer) handleStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		call, ok := s.calls[id]
		if ok {
			call.Status = status
		}
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown call"})
			return
		}
		s.log.Info("call status", "call_id", id, "status", status)
		writeJSON(w, http.StatusOK, call)
	}
}

func (s *devServer) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationSeconds int64 `json:"duration_seconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := chi.URLParam(r, "id")
	s.mu.Lock()
	call, ok := s.calls[id]
	if ok {
		call.Status = "ended"
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown call"})
		return
	}
	s.log.Info("call ended", "call_id", id, "duration_seconds", req.DurationSeconds)
	writeJSON(w, http.StatusOK, call)
}

func (s *devServer) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	call, ok := s.calls[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown call"})
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *devServer) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{id: clientID, conn: conn}

	s.mu.Lock()
	if prev, ok := s.clients[clientID]; ok {
		_ = prev.conn.Close()
	}
	s.clients[clientID] = client
	s.mu.Unlock()

	s.log.Info("signaling client connected", "client_id", clientID)
	defer func() {
		s.mu.Lock()
		if s.clients[clientID] == client {
			delete(s.clients, clientID)
		}
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Info("signaling client disconnected", "client_id", clientID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.relay(clientID, data)
	}
}

// relay routes a signaling frame to the other party of its call. An offer
// from the caller is rewrapped as a ring so the receiver learns who is
// calling; everything else is forwarded as-is.
func (s *devServer) relay(from string, data []byte) {
	msg, err := signaling.ParseMessage(data)
	if err != nil {
		s.log.Warn("dropping unparsable frame", "from", from, "err", err)
		return
	}

	s.mu.Lock()
	call, ok := s.calls[msg.CallID]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("dropping frame for unknown call", "from", from, "call_id", msg.CallID)
		return
	}

	to := call.CallerID
	if from == call.CallerID {
		to = call.ReceiverID
	}

	if msg.Type == signaling.MessageTypeOffer && from == call.CallerID {
		ring := signaling.Message{
			Type:     signaling.MessageTypeRing,
			CallID:   msg.CallID,
			CallType: call.CallType,
			CallerID: call.CallerID,
			Offer:    msg.Offer,
		}
		encoded, err := ring.Encode()
		if err != nil {
			s.log.Error("encoding ring failed", "call_id", msg.CallID, "err", err)
			return
		}
		data = encoded
	}

	s.mu.Lock()
	target, ok := s.clients[to]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("peer not connected", "call_id", msg.CallID, "to", to)
		return
	}
	if err := target.send(data); err != nil {
		s.log.Warn("relay write failed", "call_id", msg.CallID, "to", to, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q\n", key, v)
		os.Exit(2)
	}
	return n
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"scuffedchat/apperr"
	"scuffedchat/delivery"
	"scuffedchat/middleware"
	"scuffedchat/models"
	"scuffedchat/presence"
)

// WebSocketConfig tunes the connection session
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"-"`
}

func (c *WebSocketConfig) setDefaults() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024
	}
}

// WebSocketHandler opens connection sessions
type WebSocketHandler struct {
	authn    middleware.Authenticator
	presence presence.Registry
	hub      *delivery.Hub
	router   *delivery.Router
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func NewWebSocketHandler(authn middleware.Authenticator, registry presence.Registry, hub *delivery.Hub, router *delivery.Router, cfg WebSocketConfig, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()

	h := &WebSocketHandler{
		authn:    authn,
		presence: registry,
		hub:      hub,
		router:   router,
		cfg:      cfg,
		logger:   logger.Named("websocket"),
		sessions: make(map[string]*session),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// session is one open connection
type session struct {
	h      *WebSocketHandler
	conn   *websocket.Conn
	client *delivery.Client
	ctx    context.Context
	logger *zap.Logger
}

// ServeHTTP authenticates, registers presence and upgrades. Authentication
// and presence failures are answered before the upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authn.Authenticate(middleware.ExtractToken(r))
	if err != nil {
		writeErrorMessage(w, http.StatusUnauthorized, apperr.PublicMessage(err))
		return
	}

	// The session outlives the request once the connection is hijacked.
	ctx := context.WithoutCancel(r.Context())

	connID := presence.NewConnID(h.hub.NodeID())
	client := delivery.NewClient(connID, userID, h.cfg.SendBuffer)

	// The hub entry exists before presence does, so a push resolved through
	// the registry always finds a local client to queue on.
	h.hub.Add(client)

	cameOnline, err := h.presence.Register(ctx, userID, connID)
	if err != nil {
		h.hub.Remove(connID)
		h.logger.Error("Presence registration failed", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Remove(connID)
		h.logger.Warn("WebSocket upgrade error", zap.Int64("user_id", userID), zap.Error(err))
		if _, uerr := h.presence.Unregister(ctx, userID, connID); uerr != nil {
			h.logger.Error("Failed to roll back presence", zap.String("conn_id", connID), zap.Error(uerr))
		}
		return
	}

	s := &session{
		h:      h,
		conn:   conn,
		client: client,
		ctx:    ctx,
		logger: h.logger.With(zap.Int64("user_id", userID), zap.String("conn_id", connID)),
	}

	h.mu.Lock()
	h.sessions[connID] = s
	h.mu.Unlock()
	h.wg.Add(1)

	s.logger.Info("Client connected", zap.Bool("came_online", cameOnline), zap.Int("local_connections", h.hub.Len()))
	if cameOnline {
		h.router.BroadcastPresence(ctx, userID, true, time.Time{})
	}

	// Start goroutines for reading and writing
	go s.writePump()
	go s.readPump()
}

// Shutdown closes every local session and waits for their cleanup, or for
// ctx to expire.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, s := range h.sessions {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		s.conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close unregisters the session and announces the user offline when this
// was their last connection
func (s *session) close() {
	h := s.h
	defer h.wg.Done()

	h.hub.Remove(s.client.ConnID)
	h.mu.Lock()
	delete(h.sessions, s.client.ConnID)
	h.mu.Unlock()

	dep, err := h.presence.Unregister(s.ctx, s.client.UserID, s.client.ConnID)
	if err != nil {
		s.logger.Error("Failed to unregister connection", zap.Error(err))
		return
	}
	s.logger.Info("Client disconnected", zap.Bool("went_offline", dep.Offline), zap.Int("local_connections", h.hub.Len()))
	if dep.Offline {
		h.router.BroadcastPresence(s.ctx, dep.UserID, false, dep.LastSeen)
	}
}

func (s *session) readPump() {
	defer func() {
		s.conn.Close()
		s.close()
	}()

	cfg := s.h.cfg
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
		s.dispatch(message)
	}
}

func (s *session) writePump() {
	cfg := s.h.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.client.Send:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound event. Failures are reported to this
// connection only; the connection stays open.
func (s *session) dispatch(raw []byte) {
	var in models.InboundEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendError("", apperr.New(apperr.KindInvalidInput, "Invalid message format"))
		return
	}

	userID := s.client.UserID
	router := s.h.router
	var err error

	switch in.Type {
	case models.EventPrivateMessage:
		var p models.PrivateMessageIn
		if err = decodePayload(in.Payload, &p); err == nil {
			_, err = router.DeliverMessage(s.ctx, userID, p.To, p.Content)
		}

	case models.EventGetMessages:
		var p models.GetMessagesIn
		if err = decodePayload(in.Payload, &p); err == nil {
			var messages []models.Message
			messages, err = router.History(s.ctx, userID, p.WithUserID)
			if err == nil {
				s.send(models.Event{Type: models.EventMessagesLoaded, Payload: messages})
			}
		}

	case models.EventMarkRead:
		var p models.MarkReadIn
		if err = decodePayload(in.Payload, &p); err == nil {
			err = router.MarkRead(s.ctx, userID, p.FromUserID)
		}

	case models.EventTyping, models.EventStopTyping:
		var p models.TypingIn
		if err = decodePayload(in.Payload, &p); err == nil {
			err = router.RelayEphemeral(s.ctx, in.Type, userID, p.To)
		}

	default:
		err = apperr.New(apperr.KindInvalidInput, "Unknown event type")
	}

	if err != nil {
		if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
			s.logger.Error("Event failed", zap.String("type", in.Type), zap.Error(err))
		}
		s.sendError(in.Type, err)
	}
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperr.New(apperr.KindInvalidInput, "Missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.New(apperr.KindInvalidInput, "Invalid payload")
	}
	return nil
}

// send queues an event on this connection only. Called from readPump, so
// Send cannot be closed underneath it.
func (s *session) send(event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Error marshaling event", zap.Error(err))
		return
	}
	select {
	case s.client.Send <- data:
	default:
		s.logger.Warn("Send buffer full, dropping event", zap.String("type", event.Type))
	}
}

func (s *session) sendError(eventType string, err error) {
	s.send(models.Event{
		Type:    models.EventError,
		Payload: models.ErrorPayload{Event: eventType, Message: apperr.PublicMessage(err)},
	})
}

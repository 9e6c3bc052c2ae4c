package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"modelsentry/internal/auth"
	"modelsentry/internal/cache"
	"modelsentry/internal/config"
	"modelsentry/internal/metrics"
	"modelsentry/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 32
)

// Hub tracks connected websocket clients per user and routes notifications to
// them. A user may hold several sockets at once (multiple tabs, devices);
// notifications go to every socket. Messages for offline users are parked in
// Redis and drained when the user next connects.
type Hub struct {
	auth  *auth.Service
	cache *cache.Cache
	cfg   config.NotifyConfig
	log   *logrus.Entry

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // userID -> sockets
}

type client struct {
	conn    *websocket.Conn
	session *auth.Session
	send    chan *types.Notification
	done    chan struct{}
}

// NewHub creates the notification hub.
func NewHub(authSvc *auth.Service, ca *cache.Cache, cfg config.NotifyConfig, log *logrus.Entry) *Hub {
	return &Hub{
		auth:  authSvc,
		cache: ca,
		cfg:   cfg,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

// HandleWS upgrades an authenticated HTTP request to a websocket connection.
// The session token comes from the token query parameter or the
// Authorization header; browsers cannot set headers on websocket dials, so
// the query parameter is the common path.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	session, err := h.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		session: session,
		send:    make(chan *types.Notification, sendBuffer),
		done:    make(chan struct{}),
	}
	h.register(c)

	h.log.WithFields(logrus.Fields{
		"user_id":         session.UserID,
		"organization_id": session.OrganizationID,
	}).Info("📡 Websocket client connected")

	go c.writePump(h)
	go c.readPump(h)

	h.drainBacklog(r.Context(), c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.session.UserID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.session.UserID] = set
	}
	set[c] = struct{}{}
	metrics.ConnectedClients.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.session.UserID]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.session.UserID)
	}
	// Never close c.send: NotifyUser and Broadcast snapshot clients under the
	// read lock and may still send to a just-removed client. Closing done
	// stops writePump; the send channel is left for the garbage collector.
	close(c.done)
	metrics.ConnectedClients.Dec()
}

// drainBacklog replays notifications that arrived while the user was offline.
func (h *Hub) drainBacklog(ctx context.Context, c *client) {
	backlog, err := h.cache.DrainNotifications(ctx, c.session.UserID)
	if err != nil {
		h.log.WithError(err).Warn("Failed to drain notification backlog")
		return
	}
	for _, n := range backlog {
		select {
		case c.send <- n:
			metrics.NotificationsDelivered.WithLabelValues("backlog").Inc()
		default:
			h.log.WithField("user_id", c.session.UserID).Warn("Send buffer full while draining backlog")
			return
		}
	}
}

// NotifyUser delivers a notification to every socket the user holds, or parks
// it in the offline backlog if none are connected.
func (h *Hub) NotifyUser(ctx context.Context, userID string, n *types.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.UserID = userID

	h.mu.RLock()
	set := h.clients[userID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		if err := h.cache.PushNotification(ctx, userID, n, h.cfg.BacklogCap, h.cfg.BacklogTTL); err != nil {
			h.log.WithError(err).Warn("Failed to park offline notification")
			return
		}
		metrics.NotificationsDelivered.WithLabelValues("offline").Inc()
		return
	}

	for _, c := range targets {
		h.deliver(c, n)
	}
}

// Broadcast delivers a notification to every connected member of an
// organization. There is no offline fan-out; users who are away get the
// state from the API when they return.
func (h *Hub) Broadcast(orgID string, n *types.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	h.mu.RLock()
	var targets []*client
	for _, set := range h.clients {
		for c := range set {
			if c.session.OrganizationID == orgID {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, n)
	}
}

func (h *Hub) deliver(c *client, n *types.Notification) {
	select {
	case <-c.done:
		// Client unregistered between the snapshot and the send.
		return
	default:
	}

	select {
	case c.send <- n:
		metrics.NotificationsDelivered.WithLabelValues("live").Inc()
	default:
		// Slow consumer; drop the message rather than block the hub.
		h.log.WithField("user_id", c.session.UserID).Warn("Send buffer full, dropping notification")
	}
}

// DeliverAlert converts a flushed threat alert into a broadcast notification.
// Alerts below the configured broadcast severity stay API-only. It implements
// the alert sink of the threat detection service.
func (h *Hub) DeliverAlert(_ context.Context, alert *types.ThreatAlert) {
	floor := types.Severity(h.cfg.BroadcastMinSeverity)
	if floor.Valid() && alert.Severity.Score() < floor.Score() {
		return
	}

	title := "Threat detected"
	message := fmt.Sprintf("%d %s threat(s) detected", alert.Count, alert.ThreatType)
	switch alert.Kind {
	case types.AlertKindPattern:
		title = "Threat pattern detected"
		message = fmt.Sprintf("%s occurred %d times in the detection window", alert.ThreatType, alert.Count)
	case types.AlertKindMassIncident:
		title = "Mass incident"
		message = fmt.Sprintf("%d threats detected across the organization in a short window", alert.Count)
	}

	h.Broadcast(alert.OrganizationID, &types.Notification{
		Type:     "threat_alert",
		Title:    title,
		Message:  message,
		Severity: alert.Severity,
		Data: map[string]interface{}{
			"alert_key":   alert.Key,
			"kind":        string(alert.Kind),
			"model_id":    alert.ModelID,
			"threat_type": alert.ThreatType,
			"count":       alert.Count,
			"threat_ids":  alert.ThreatIDs,
		},
	})
}

// OnlineUsers returns the number of distinct users with at least one socket.
func (h *Hub) OnlineUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close tears down every connection. Used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.conn.Close()
	}
}

// readPump consumes client frames to keep pong handling alive. Inbound
// payloads are ignored; the socket is push-only.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.log.WithField("user_id", c.session.UserID).Info("📡 Websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debug("Websocket read error")
			}
			return
		}
	}
}

// writePump serializes outbound notifications and keeps the connection alive
// with periodic pings.
func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case n := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(n); err != nil {
				h.log.WithError(err).Debug("Websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelsentry/internal/auth"
	"modelsentry/internal/cache"
	"modelsentry/internal/config"
	"modelsentry/types"
)

func unreachableCache() *cache.Cache {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 10 * time.Millisecond,
		MaxRetries:  -1,
	})
	return cache.NewWithClient(client, "test")
}

func newTestHub() (*Hub, *auth.Service) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	authSvc := auth.NewService("test-jwt-secret", "test-session-secret")
	hub := NewHub(authSvc, unreachableCache(), config.NotifyConfig{
		BacklogCap: 10,
		BacklogTTL: time.Hour,
	}, logrus.NewEntry(log))
	return hub, authSvc
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func token(t *testing.T, authSvc *auth.Service, userID, orgID string) string {
	t.Helper()
	tok, err := authSvc.GenerateToken(&auth.Session{
		UserID:         userID,
		OrganizationID: orgID,
		Email:          userID + "@example.com",
		Role:           "analyst",
	})
	require.NoError(t, err)
	return tok
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.OnlineUsers() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, hub.OnlineUsers())
}

func readNotification(t *testing.T, conn *websocket.Conn) *types.Notification {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n types.Notification
	require.NoError(t, conn.ReadJSON(&n))
	return &n
}

func TestHandleWSRejectsInvalidToken(t *testing.T) {
	hub, _ := newTestHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNotifyUserDeliversToConnectedSockets(t *testing.T) {
	hub, authSvc := newTestHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	conn := dial(t, server, token(t, authSvc, "user-1", "org-1"))
	waitForClients(t, hub, 1)

	hub.NotifyUser(context.Background(), "user-1", &types.Notification{
		Type:     "scan_completed",
		Title:    "Scan finished",
		Message:  "Your model scan completed with 0 findings",
		Severity: types.SeverityLow,
	})

	n := readNotification(t, conn)
	assert.Equal(t, "scan_completed", n.Type)
	assert.Equal(t, "user-1", n.UserID)
	assert.NotEmpty(t, n.ID)
	assert.False(t, n.CreatedAt.IsZero())
}

func TestNotifyUserFansOutToEverySocket(t *testing.T) {
	hub, authSvc := newTestHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	tok := token(t, authSvc, "user-1", "org-1")
	conn1 := dial(t, server, tok)
	conn2 := dial(t, server, tok)
	waitForClients(t, hub, 1) // one user, two sockets

	hub.NotifyUser(context.Background(), "user-1", &types.Notification{
		Type:  "test",
		Title: "hello",
	})

	assert.Equal(t, "hello", readNotification(t, conn1).Title)
	assert.Equal(t, "hello", readNotification(t, conn2).Title)
}

func TestBroadcastScopedToOrganization(t *testing.T) {
	hub, authSvc := newTestHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	inOrg := dial(t, server, token(t, authSvc, "user-1", "org-1"))
	outOfOrg := dial(t, server, token(t, authSvc, "user-2", "org-2"))
	waitForClients(t, hub, 2)

	hub.Broadcast("org-1", &types.Notification{Type: "test", Title: "org-1 only"})

	assert.Equal(t, "org-1 only", readNotification(t, inOrg).Title)

	require.NoError(t, outOfOrg.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var n types.Notification
	assert.Error(t, outOfOrg.ReadJSON(&n), "other organization must not receive the broadcast")
}

func TestDeliverAlertBroadcastsToOrganization(t *testing.T) {
	hub, authSvc := newTestHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	conn := dial(t, server, token(t, authSvc, "user-1", "org-1"))
	waitForClients(t, hub, 1)

	hub.DeliverAlert(context.Background(), &types.ThreatAlert{
		Key:            "org-1|model-1|pickle_code_execution",
		Kind:           types.AlertKindThreat,
		OrganizationID: "org-1",
		ModelID:        "model-1",
		ThreatType:     "pickle_code_execution",
		Severity:       types.SeverityCritical,
		Count:          3,
	})

	n := readNotification(t, conn)
	assert.Equal(t, "threat_alert", n.Type)
	assert.Equal(t, types.SeverityCritical, n.Severity)
	assert.Equal(t, float64(3), n.Data["count"])
}

func TestDeliverAlertHonorsSeverityGate(t *testing.T) {
	hub, authSvc := newTestHub()
	hub.cfg.BroadcastMinSeverity = "high"
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	conn := dial(t, server, token(t, authSvc, "user-1", "org-1"))
	waitForClients(t, hub, 1)

	hub.DeliverAlert(context.Background(), &types.ThreatAlert{
		Kind:           types.AlertKindThreat,
		OrganizationID: "org-1",
		ThreatType:     "format_mismatch",
		Severity:       types.SeverityLow,
		Count:          1,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var n types.Notification
	assert.Error(t, conn.ReadJSON(&n), "low severity alert must not broadcast")
}

func TestDeliverAfterUnregisterDoesNotPanic(t *testing.T) {
	// NotifyUser and Broadcast snapshot clients under the read lock and send
	// after releasing it. A disconnect in that gap must not crash delivery.
	hub, _ := newTestHub()
	c := &client{
		session: &auth.Session{UserID: "user-1", OrganizationID: "org-1"},
		send:    make(chan *types.Notification, sendBuffer),
		done:    make(chan struct{}),
	}
	hub.register(c)
	hub.unregister(c)

	assert.NotPanics(t, func() {
		hub.deliver(c, &types.Notification{Type: "test", Title: "late"})
	})

	select {
	case n := <-c.send:
		t.Fatalf("unregistered client received %q", n.Title)
	default:
	}
}

func TestUnregisterOnDisconnect(t *testing.T) {
	hub, authSvc := newTestHub()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer server.Close()

	conn := dial(t, server, token(t, authSvc, "user-1", "org-1"))
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

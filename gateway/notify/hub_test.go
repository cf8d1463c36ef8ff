package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"chainid/core/tracker"
)

func note(key, ticket string, sev tracker.Severity) tracker.Notification {
	return tracker.Notification{
		Key: key, TicketID: ticket, State: tracker.Succeeded,
		Message: key + " succeeded", Severity: sev, At: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestHubDeliversMatchingNotifications(t *testing.T) {
	hub := NewHub(4, time.Second, nil)
	all, cancelAll, _ := hub.Subscribe("", "")
	defer cancelAll()
	claims, cancelClaims, _ := hub.Subscribe("claim:", "")
	defer cancelClaims()

	hub.Notify(context.Background(), note("register", "t1", tracker.SeveritySuccess))
	hub.Notify(context.Background(), note("claim:dao", "t2", tracker.SeveritySuccess))

	require.Equal(t, "t1", (<-all).TicketID)
	require.Equal(t, "t2", (<-all).TicketID)
	require.Equal(t, "t2", (<-claims).TicketID)
	require.Len(t, claims, 0)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1, time.Second, nil)
	ch, cancel, _ := hub.Subscribe("", "")
	defer cancel()

	hub.Notify(context.Background(), note("register", "t1", tracker.SeveritySuccess))
	hub.Notify(context.Background(), note("register", "t2", tracker.SeveritySuccess))
	require.Equal(t, "t1", (<-ch).TicketID)
	require.Len(t, ch, 0)
}

func TestHubBacklogResumesAfterCursor(t *testing.T) {
	hub := NewHub(2, time.Second, nil)
	for _, id := range []string{"t1", "t2", "t3"} {
		hub.Notify(context.Background(), note("loadStats", id, tracker.SeverityInfo))
	}
	// t1 fell out of the retained window.
	_, cancel, backlog := hub.Subscribe("", "t1")
	cancel()
	require.Empty(t, backlog)

	_, cancel, backlog = hub.Subscribe("", "t2")
	cancel()
	require.Len(t, backlog, 1)
	require.Equal(t, "t3", backlog[0].TicketID)
	require.Zero(t, hub.Subscribers())
}

func TestHubStreamsOverWebsocket(t *testing.T) {
	hub := NewHub(8, time.Second, nil)
	hub.Notify(context.Background(), note("register", "t1", tracker.SeveritySuccess))
	hub.Notify(context.Background(), note("register", "t2", tracker.SeveritySuccess))

	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?key=register&cursor=t1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test complete")

	read := func() tracker.Notification {
		msgType, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageText, msgType)
		var payload struct {
			Key      string `json:"key"`
			TicketID string `json:"ticketId"`
			State    string `json:"state"`
			Severity string `json:"severity"`
		}
		require.NoError(t, json.Unmarshal(data, &payload))
		require.Equal(t, "succeeded", payload.State)
		return tracker.Notification{Key: payload.Key, TicketID: payload.TicketID, Severity: tracker.Severity(payload.Severity)}
	}

	require.Equal(t, "t2", read().TicketID)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Notify(context.Background(), note("claim:nft", "t3", tracker.SeveritySuccess))
	hub.Notify(context.Background(), note("register", "t4", tracker.SeveritySuccess))
	got := read()
	require.Equal(t, "t4", got.TicketID)
	require.Equal(t, tracker.SeveritySuccess, got.Severity)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubUpgradesOnlyAllowedOrigins(t *testing.T) {
	hub := NewHub(8, time.Second, nil, WithAllowedOrigins([]string{"https://app.example/", " "}))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: http.Header{"Origin": {origin}}})
	}

	_, res, err := dial("https://evil.example")
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	require.Zero(t, hub.Subscribers())

	conn, _, err := dial("https://app.example")
	require.NoError(t, err)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))

	// Same-origin upgrades need no allow-list entry.
	conn, _, err = dial(srv.URL)
	require.NoError(t, err)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
}

func TestHubWithoutAllowListRejectsCrossOrigin(t *testing.T) {
	srv := httptest.NewServer(NewHub(8, time.Second, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, res, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/",
		&websocket.DialOptions{HTTPHeader: http.Header{"Origin": {"https://app.example"}}})
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestOriginHostsAcceptsURLsAndPatterns(t *testing.T) {
	require.Equal(t, []string{"app.example", "*.partner.example", "localhost:5173"},
		originHosts([]string{"https://App.Example/", "*.partner.example", "", "http://localhost:5173"}))
}

package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// wsTestServer accepts one websocket connection per request and forwards
// every subscribe command it reads.
func wsTestServer(t *testing.T) (*httptest.Server, chan wsCommand) {
	t.Helper()
	cmds := make(chan wsCommand, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			cmds <- cmd
		}
	}))
	t.Cleanup(srv.Close)
	return srv, cmds
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recvCommand(t *testing.T, cmds chan wsCommand) wsCommand {
	t.Helper()
	select {
	case cmd := <-cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command received")
		return wsCommand{}
	}
}

func TestWSFeed_SubscribesCurrentCatalogOnConnect(t *testing.T) {
	srv, cmds := wsTestServer(t)
	adapter := NewAdapter(nil, func(context.Context, domain.PriceQuote) {}, testLogger())
	f := NewWSFeed(wsURL(srv), func() []string {
		return []string{"mkt-1", "mkt-2"}
	}, adapter, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	cmd := recvCommand(t, cmds)
	assert.Equal(t, "subscribe", cmd.Type)
	assert.Equal(t, "quotes", cmd.Channel)
	assert.ElementsMatch(t, []string{"mkt-1", "mkt-2"}, cmd.Markets)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop on cancel")
	}
}

// Markets added by a catalog refresh must reach the live connection: the
// next resubscribe pass sends a subscribe command for the additions only.
func TestWSFeed_SubscribesCatalogAdditions(t *testing.T) {
	srv, cmds := wsTestServer(t)

	var mu sync.Mutex
	catalog := []string{"mkt-1"}
	f := NewWSFeed(wsURL(srv), func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), catalog...)
	}, nil, testLogger())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	sess := &wsSession{conn: conn, subscribed: make(map[string]struct{})}

	require.NoError(t, f.subscribeNew(sess))
	cmd := recvCommand(t, cmds)
	assert.Equal(t, []string{"mkt-1"}, cmd.Markets)

	mu.Lock()
	catalog = []string{"mkt-1", "mkt-2"}
	mu.Unlock()

	require.NoError(t, f.subscribeNew(sess))
	cmd = recvCommand(t, cmds)
	assert.Equal(t, []string{"mkt-2"}, cmd.Markets, "only the addition is subscribed")

	// Unchanged catalog sends nothing.
	require.NoError(t, f.subscribeNew(sess))
	select {
	case cmd := <-cmds:
		t.Fatalf("unexpected subscribe command for %v", cmd.Markets)
	case <-time.After(100 * time.Millisecond):
	}
}

package broadcast

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServerConn(t *testing.T, bus *Bus) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		bus.Subscribe(conn)
	}))

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return clientConn, func() {
		clientConn.Close()
		server.Close()
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	clientConn, cleanup := newTestServerConn(t, bus)
	defer cleanup()

	require.Eventually(t, func() bool { return bus.Count() == 1 }, time.Second, 10*time.Millisecond)

	bus.Publish("hello herd")

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := clientConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello herd", string(msg))
}

func TestPublishWithNoSubscribersReturnsImmediately(t *testing.T) {
	bus := New()
	done := make(chan struct{})
	go func() {
		bus.Publish("no one is listening")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not return promptly with no subscribers")
	}
}

func TestUnsubscribeRemovesConn(t *testing.T) {
	bus := New()
	clientConn, cleanup := newTestServerConn(t, bus)
	defer cleanup()

	require.Eventually(t, func() bool { return bus.Count() == 1 }, time.Second, 10*time.Millisecond)

	bus.mu.RLock()
	var conn *websocket.Conn
	for c := range bus.subscribers {
		conn = c
	}
	bus.mu.RUnlock()

	bus.Unsubscribe(conn)
	require.Equal(t, 0, bus.Count())
	_ = clientConn
}

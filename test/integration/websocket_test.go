package integration

import (
	"net/http"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/test/testhelpers"
)

// TestWebSocketAndTCPShareRooms checks that both transports land in the same
// session table and rooms.
func TestWebSocketAndTCPShareRooms(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	alice := joinTCP(t, stack, "alice")

	bob := testhelpers.DialWS(t, stack.WSURL, "bob")
	testhelpers.ExpectLine(t, bob, "Welcome bob! You are now in the Lobby")
	testhelpers.ExpectLine(t, bob, "SYSTEM: bob has joined the Lobby")
	testhelpers.ExpectLine(t, alice, "SYSTEM: bob has joined the Lobby")

	bob.Send(t, "hi from the browser")
	testhelpers.ExpectLine(t, bob, "[Lobby] bob: hi from the browser")
	testhelpers.ExpectLine(t, alice, "[Lobby] bob: hi from the browser")

	alice.Send(t, "/msg bob hi back")
	testhelpers.ExpectLine(t, bob, "[PM from alice]: hi back")
	testhelpers.ExpectLine(t, alice, "[PM to bob]: hi back")

	if err := bob.Close(); err != nil {
		t.Fatalf("Failed to close WebSocket: %v", err)
	}
	testhelpers.ExpectLine(t, alice, "SYSTEM: bob has left the chat")
}

// TestWebSocketOriginRejected checks the gateway's origin allow-list.
func TestWebSocketOriginRejected(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)

	tests := []struct {
		name   string
		origin string
	}{
		{"no origin", ""},
		{"foreign origin", "http://malicious.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := websocket.Dialer{}
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := dialer.Dial(stack.WSURL, header)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected the handshake to fail")
			}
			if resp == nil {
				t.Fatalf("Expected an HTTP response, got error %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected status %d, got %d", http.StatusForbidden, resp.StatusCode)
			}
		})
	}
	stack.WaitSessions(t, 0)
}

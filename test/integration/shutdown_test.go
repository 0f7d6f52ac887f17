package integration

import (
	"testing"

	"github.com/Tyrowin/roomchat/test/testhelpers"
)

// TestGracefulShutdown checks that every client is told about the shutdown
// and then disconnected.
func TestGracefulShutdown(t *testing.T) {
	stack := testhelpers.StartStack(t, nil)
	alice := joinTCP(t, stack, "alice")
	bob := joinTCP(t, stack, "bob", alice)

	stack.Stop(t)

	for _, c := range []*testhelpers.TCPClient{alice, bob} {
		testhelpers.ExpectLine(t, c, "SYSTEM: Server is shutting down")
		c.ExpectEOF(t)
	}
	if n := stack.Server.Stats().Sessions; n != 0 {
		t.Errorf("Expected 0 sessions after shutdown, got %d", n)
	}
}

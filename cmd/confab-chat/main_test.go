package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"confab/internal/api"
	"confab/internal/client"
	"confab/internal/relay"
	"confab/internal/wire"
)

func newChatHarness(t *testing.T) (*client.Client, *relay.Relay) {
	t.Helper()
	rly, err := relay.New(relay.Options{})
	if err != nil {
		t.Fatalf("relay setup: %v", err)
	}
	t.Cleanup(func() { _ = rly.Close() })

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, rly, "", nil)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c, err := client.New(server.Client(), server.URL, "")
	if err != nil {
		t.Fatalf("client setup: %v", err)
	}
	return c, rly
}

func chatInbox(t *testing.T, rly *relay.Relay, id string) []wire.Message {
	t.Helper()
	msgs, err := rly.DrainInbox(id)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	var chats []wire.Message
	for _, m := range msgs {
		if m.Kind == wire.KindChat {
			chats = append(chats, m)
		}
	}
	return chats
}

func TestHandleLineBroadcast(t *testing.T) {
	t.Parallel()

	c, rly := newChatHarness(t)
	human, _ := c.Register("human")
	agent, _ := c.Register("agent")

	if !handleLine(c, human, "hello everyone") {
		t.Fatal("plain line must not quit")
	}
	chats := chatInbox(t, rly, agent)
	if len(chats) != 1 || chats[0].To != wire.Broadcast {
		t.Fatalf("expected broadcast, got %+v", chats)
	}
}

func TestHandleLineDirected(t *testing.T) {
	t.Parallel()

	c, rly := newChatHarness(t)
	human, _ := c.Register("human")
	agent, _ := c.Register("agent")
	other, _ := c.Register("other")

	handleLine(c, human, "@agent just for you")

	if chats := chatInbox(t, rly, agent); len(chats) != 1 || chats[0].Content != "just for you" {
		t.Fatalf("expected direct message, got %+v", chats)
	}
	if chats := chatInbox(t, rly, other); len(chats) != 0 {
		t.Fatalf("expected nothing for other, got %+v", chats)
	}
}

func TestHandleLineAtAll(t *testing.T) {
	t.Parallel()

	c, rly := newChatHarness(t)
	human, _ := c.Register("human")
	agent, _ := c.Register("agent")

	handleLine(c, human, "@all broadcast body")

	chats := chatInbox(t, rly, agent)
	if len(chats) != 1 || chats[0].Content != "broadcast body" || chats[0].To != wire.Broadcast {
		t.Fatalf("expected @all broadcast, got %+v", chats)
	}
}

func TestHandleLineQuit(t *testing.T) {
	t.Parallel()

	c, _ := newChatHarness(t)
	human, _ := c.Register("human")

	if handleLine(c, human, "/quit") {
		t.Fatal("expected /quit to end the loop")
	}
}

func TestHandleLineEmpty(t *testing.T) {
	t.Parallel()

	c, rly := newChatHarness(t)
	human, _ := c.Register("human")
	agent, _ := c.Register("agent")

	handleLine(c, human, "   ")
	if chats := chatInbox(t, rly, agent); len(chats) != 0 {
		t.Fatalf("expected no send for blank line, got %+v", chats)
	}
}

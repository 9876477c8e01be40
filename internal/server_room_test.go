package internal

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testClient(id string) *Client {
	return &Client{send: make(chan []byte, 16), id: id}
}

func recvEnvelope(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case payload := <-client.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("unmarshal payload %q: %v", payload, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func expectSilence(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload := <-client.send:
		t.Fatalf("unexpected delivery: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubRoomLifecycle(t *testing.T) {
	hub := NewHub()
	if hub.Exists("r1") {
		t.Fatal("room should not exist before admission")
	}
	alpha := testClient("AAAA")
	room := hub.Admit("r1", alpha)
	if !hub.Exists("r1") || hub.RoomCount() != 1 {
		t.Fatal("room should exist after first admission")
	}
	bravo := testClient("BBBB")
	if again := hub.Admit("r1", bravo); again != room {
		t.Fatal("expected the same room instance")
	}

	hub.Release(bravo)
	if !hub.Exists("r1") {
		t.Fatal("room with remaining members must stay registered")
	}
	hub.Release(alpha)
	if hub.Exists("r1") {
		t.Fatal("empty room should be dropped")
	}
	// The dropped room's dispatch goroutine must not outlive it.
	select {
	case <-room.done:
	default:
		t.Fatal("dropped room should stop its dispatch loop")
	}

	// A reused key gets a fresh room, never the stopped instance.
	charlie := testClient("CCCC")
	if successor := hub.Admit("r1", charlie); successor == room {
		t.Fatal("a reused key must resolve to a new room")
	}
}

func TestPresenceNoticesCarryLiveCount(t *testing.T) {
	hub := NewHub()

	alpha := testClient("AAAA")
	hub.Admit("rp", alpha)

	bravo := testClient("BBBB")
	hub.Admit("rp", bravo)

	join := recvEnvelope(t, alpha)
	if join.Type != TypeSystem {
		t.Fatalf("expected system notice, got %+v", join)
	}
	if !strings.Contains(join.Content, "BBBB joined") || !strings.Contains(join.Content, "2 online") {
		t.Fatalf("join notice should carry the live count: %q", join.Content)
	}
	// The joiner itself gets no join notice.
	expectSilence(t, bravo)

	hub.Release(bravo)
	leave := recvEnvelope(t, alpha)
	if !strings.Contains(leave.Content, "BBBB left") || !strings.Contains(leave.Content, "1 online") {
		t.Fatalf("leave notice should carry the updated count: %q", leave.Content)
	}
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	hub := NewHub()

	alpha := testClient("AAAA")
	bravo := testClient("BBBB")
	charlie := testClient("CCCC")
	room := hub.Admit("rb", alpha)
	hub.Admit("rb", bravo)
	hub.Admit("rb", charlie)
	drain(alpha)
	drain(bravo)
	drain(charlie)

	payload, _ := json.Marshal(Envelope{Type: TypeText, Content: "hi", ChatID: "rb", SenderID: "BBBB"})
	room.deliver(outbound{payload: payload, origin: bravo})

	if got := recvEnvelope(t, alpha); got.Content != "hi" {
		t.Fatalf("alpha should receive the message, got %+v", got)
	}
	if got := recvEnvelope(t, charlie); got.Content != "hi" {
		t.Fatalf("charlie should receive the message, got %+v", got)
	}
	expectSilence(t, bravo)
}

func TestSendAfterDisconnectIsNoOp(t *testing.T) {
	hub := NewHub()
	alpha := testClient("AAAA")
	bravo := testClient("BBBB")
	hub.Admit("rx", alpha)
	hub.Admit("rx", bravo)

	hub.Release(bravo)

	// A history replay racing the disconnect must drop its envelopes, not
	// panic on the closed queue.
	bravo.sendEnvelope(systemEnvelope("rx", "late replay"))
	if bravo.trySend([]byte("late")) {
		t.Fatal("send after shutdown should report failure")
	}

	// The survivor keeps working.
	drain(alpha)
	alpha.sendEnvelope(systemEnvelope("rx", "still here"))
	if got := recvEnvelope(t, alpha); got.Content != "still here" {
		t.Fatalf("survivor should still receive envelopes, got %+v", got)
	}
}

func drain(client *Client) {
	for {
		select {
		case <-client.send:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

package gossip

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestEncodeDecodeUsageUpdate_RoundTrip(t *testing.T) {
	u := UsageUpdate{
		Kind:   KindUsageUpdate,
		Key:    "web\x00203.0.113.5",
		Delta:  123.456,
		NodeID: 42,
		TS:     1700000000,
	}

	encoded := encodeUsageUpdate(u)
	decoded, ok := decodeUsageUpdate(encoded)
	if !ok {
		t.Fatal("expected decode to succeed")
	}

	if decoded.Kind != u.Kind || decoded.Key != u.Key || decoded.Delta != u.Delta ||
		decoded.NodeID != u.NodeID || decoded.TS != u.TS {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, u)
	}
}

func TestDecodeUsageUpdate_RejectsTruncated(t *testing.T) {
	u := UsageUpdate{Kind: KindUsageUpdate, Key: "ns\x00key", Delta: 1, NodeID: 1, TS: 1}
	encoded := encodeUsageUpdate(u)

	if _, ok := decodeUsageUpdate(encoded[:len(encoded)-3]); ok {
		t.Error("expected decode of a truncated buffer to fail")
	}
	if _, ok := decodeUsageUpdate(nil); ok {
		t.Error("expected decode of an empty buffer to fail")
	}
}

func TestFrameUnframeDatagram_RoundTrip(t *testing.T) {
	payload := []byte("some gossip payload bytes")
	framed := frameDatagram(payload)

	unframed, ok := unframeDatagram(framed)
	if !ok {
		t.Fatal("expected unframe to succeed")
	}
	if string(unframed) != string(payload) {
		t.Errorf("expected payload round trip, got %q want %q", unframed, payload)
	}
}

func TestUnframeDatagram_RejectsShortOrLyingLength(t *testing.T) {
	if _, ok := unframeDatagram([]byte{0x01}); ok {
		t.Error("expected a 1-byte datagram (no room for length prefix) to be rejected")
	}

	// Length prefix claims more bytes than are actually present.
	bogus := []byte{0xFF, 0xFF, 'a', 'b'}
	if _, ok := unframeDatagram(bogus); ok {
		t.Error("expected a datagram whose length prefix overruns the buffer to be rejected")
	}
}

func TestSplitFullKey(t *testing.T) {
	ns, key, ok := splitFullKey("web\x00203.0.113.5:9000")
	if !ok {
		t.Fatal("expected split to succeed")
	}
	if ns != "web" || key != "203.0.113.5:9000" {
		t.Errorf("got ns=%q key=%q", ns, key)
	}

	if _, _, ok := splitFullKey("no-separator-here"); ok {
		t.Error("expected a key with no NUL separator to fail splitting")
	}
}

type recordingSink struct {
	debits []float64
}

func (r *recordingSink) DebitExternal(key string, delta float64) {
	r.debits = append(r.debits, delta)
}

func TestNode_BroadcastAndReceive_AppliesToRegisteredSink(t *testing.T) {
	logger := zerolog.Nop()

	receiver, err := New(1, "127.0.0.1:0", nil, logger)
	if err != nil {
		t.Fatalf("failed to create receiver node: %v", err)
	}
	defer receiver.Close()

	sink := &recordingSink{}
	receiver.RegisterSink("web", sink)
	receiver.Start()

	sender, err := New(2, "127.0.0.1:0", []string{receiver.conn.LocalAddr().String()}, logger)
	if err != nil {
		t.Fatalf("failed to create sender node: %v", err)
	}
	defer sender.Close()

	sender.Broadcast("web", "10.0.0.1:80", 17.5)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.debits) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(sink.debits) != 1 {
		t.Fatalf("expected exactly one applied debit, got %d", len(sink.debits))
	}
	if sink.debits[0] != 17.5 {
		t.Errorf("expected debit of 17.5, got %v", sink.debits[0])
	}
}

func TestNode_SuppressesOwnNodeIDLoopback(t *testing.T) {
	logger := zerolog.Nop()

	node, err := New(99, "127.0.0.1:0", nil, logger)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	defer node.Close()

	sink := &recordingSink{}
	node.RegisterSink("web", sink)

	// Simulate a peer looping back this node's own broadcast.
	node.apply(UsageUpdate{Kind: KindUsageUpdate, Key: "web\x00k", Delta: 5, NodeID: 99, TS: 1})

	if len(sink.debits) != 0 {
		t.Error("expected a broadcast carrying this node's own node_id to be suppressed")
	}
}

// Package gossip implements the cluster UDP pub/sub layer: UsageUpdate
// broadcasts are exchanged between peers so each node's limiters stay
// approximately in sync under a shared rate budget (spec.md §4.9, §6's
// wire format).
//
// No example repo in the retrieval pack carries a real SWIM/membership
// library (memberlist appears only as an unused go.mod line in one
// unrelated repo, never imported by any source file), so this package
// is a direct, minimal implementation of the wire format spec.md §6
// specifies rather than an adaptation of pack code — see DESIGN.md.
// Membership here is intentionally the simplest thing that satisfies
// spec.md §4.9: a static peer list plus loop-back suppression by
// node_id, not a full SWIM failure detector.
package gossip

import (
	"encoding/binary"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/layer4lb/internal/metrics"
)

// Kind distinguishes broadcast record types. Only usage updates exist
// today; the byte is reserved so the wire format can grow.
type Kind uint8

const (
	KindUsageUpdate Kind = 1
)

const maxDatagram = 2048

// UsageUpdate is one piggybacked application broadcast: peer P consumed
// delta tokens from bucket key K (spec.md §4.9, §6).
type UsageUpdate struct {
	Kind   Kind
	Key    string
	Delta  float64
	NodeID uint64
	TS     uint64
}

// Sink receives decoded UsageUpdate records not originated locally.
// internal/limiter.ShardedLimiter[string] satisfies it directly through
// its DebitExternal method.
type Sink interface {
	DebitExternal(key string, delta float64)
}

// Node is one cluster member's gossip endpoint: a UDP socket bound to
// bind_addr, a static peer list, and a registry of local Sinks keyed by
// the same bucket-key namespace the limiter package uses.
type Node struct {
	nodeID uint64
	conn   *net.UDPConn
	peers  []*net.UDPAddr
	logger zerolog.Logger

	mu    sync.RWMutex
	sinks map[string]Sink

	metrics *metrics.Registry

	stop chan struct{}
	wg   sync.WaitGroup
}

// WithMetrics binds a metrics registry the node counts sent/received
// UsageUpdate messages on. Returns n for chaining after New.
func (n *Node) WithMetrics(m *metrics.Registry) *Node {
	n.metrics = m
	return n
}

// New binds the gossip UDP socket at bindAddr and resolves the static
// peer list. nodeID should be unique per process (e.g. derived from a
// random value or the bind address hash); it is used only to suppress
// processing of a node's own broadcasts looped back by a peer.
func New(nodeID uint64, bindAddr string, peerAddrs []string, logger zerolog.Logger) (*Node, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	peers := make([]*net.UDPAddr, 0, len(peerAddrs))
	for _, p := range peerAddrs {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		peers = append(peers, addr)
	}

	return &Node{
		nodeID: nodeID,
		conn:   conn,
		peers:  peers,
		logger: logger.With().Str("component", "gossip").Uint64("node_id", nodeID).Logger(),
		sinks:  make(map[string]Sink),
		stop:   make(chan struct{}),
	}, nil
}

// RegisterSink binds namespace (typically the rule name, or rule name
// plus direction) to the local ShardedLimiter that should be debited
// when a peer reports consumption under that namespace.
func (n *Node) RegisterSink(namespace string, sink Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks[namespace] = sink
}

// Start launches the inbound receive loop in the background.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.receiveLoop()
}

// Close stops the receive loop and closes the UDP socket.
func (n *Node) Close() error {
	close(n.stop)
	err := n.conn.Close()
	n.wg.Wait()
	return err
}

// Broadcast encodes a UsageUpdate for (namespace, key, delta) and sends
// it to every configured peer. Failure to send to any one peer is
// logged and ignored — spec.md §4.9: "packet loss simply delays
// convergence; no retransmit."
func (n *Node) Broadcast(namespace, key string, delta float64) {
	if len(n.peers) == 0 || delta <= 0 {
		return
	}
	fullKey := namespace + "\x00" + key
	record := encodeUsageUpdate(UsageUpdate{
		Kind:   KindUsageUpdate,
		Key:    fullKey,
		Delta:  delta,
		NodeID: n.nodeID,
		TS:     uint64(time.Now().UnixNano()),
	})
	frame := frameDatagram(record)

	for _, peer := range n.peers {
		if _, err := n.conn.WriteToUDP(frame, peer); err != nil {
			n.logger.Debug().Err(err).Str("peer", peer.String()).Msg("gossip send failed")
			continue
		}
		if n.metrics != nil {
			n.metrics.GossipUpdates.WithLabelValues("sent").Inc()
		}
	}
}

func (n *Node) receiveLoop() {
	defer n.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-n.stop:
			return
		default:
		}

		_ = n.conn.SetReadDeadline(time.Now().Add(time.Second))
		size, _, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-n.stop:
				return
			default:
				continue
			}
		}

		payload, ok := unframeDatagram(buf[:size])
		if !ok {
			n.countDropped()
			continue
		}
		update, ok := decodeUsageUpdate(payload)
		if !ok {
			n.logger.Debug().Msg("gossip decode failure, dropping datagram")
			n.countDropped()
			continue
		}
		n.apply(update)
	}
}

func (n *Node) countDropped() {
	if n.metrics != nil {
		n.metrics.GossipUpdates.WithLabelValues("dropped").Inc()
	}
}

func (n *Node) apply(u UsageUpdate) {
	if u.NodeID == n.nodeID {
		return // loop-back suppression, spec.md §4.9
	}
	namespace, key, ok := splitFullKey(u.Key)
	if !ok {
		return
	}

	n.mu.RLock()
	sink, ok := n.sinks[namespace]
	n.mu.RUnlock()
	if !ok {
		return
	}
	sink.DebitExternal(key, u.Delta)
	if n.metrics != nil {
		n.metrics.GossipUpdates.WithLabelValues("received").Inc()
	}
}

func splitFullKey(fullKey string) (namespace, key string, ok bool) {
	for i := 0; i < len(fullKey); i++ {
		if fullKey[i] == 0 {
			return fullKey[:i], fullKey[i+1:], true
		}
	}
	return "", "", false
}

// frameDatagram prefixes payload with its 2-byte little-endian length,
// per spec.md §6's "| 2-byte length | payload |".
func frameDatagram(payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(out, uint16(len(payload)))
	copy(out[2:], payload)
	return out
}

func unframeDatagram(datagram []byte) ([]byte, bool) {
	if len(datagram) < 2 {
		return nil, false
	}
	length := binary.LittleEndian.Uint16(datagram)
	if int(length)+2 > len(datagram) {
		return nil, false
	}
	return datagram[2 : 2+int(length)], true
}

// encodeUsageUpdate writes the application broadcast record exactly as
// spec.md §6 describes it:
// | kind:u8 | key_len:u16 | key_bytes | delta:f64 | node_id:u64 | ts:u64 |
func encodeUsageUpdate(u UsageUpdate) []byte {
	keyBytes := []byte(u.Key)
	buf := make([]byte, 1+2+len(keyBytes)+8+8+8)
	off := 0
	buf[off] = byte(u.Kind)
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(keyBytes)))
	off += 2
	copy(buf[off:], keyBytes)
	off += len(keyBytes)
	binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(u.Delta))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], u.NodeID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], u.TS)
	return buf
}

func decodeUsageUpdate(b []byte) (UsageUpdate, bool) {
	if len(b) < 1+2 {
		return UsageUpdate{}, false
	}
	kind := Kind(b[0])
	keyLen := int(binary.LittleEndian.Uint16(b[1:]))
	off := 3
	if len(b) < off+keyLen+8+8+8 {
		return UsageUpdate{}, false
	}
	key := string(b[off : off+keyLen])
	off += keyLen
	delta := math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
	off += 8
	nodeID := binary.LittleEndian.Uint64(b[off:])
	off += 8
	ts := binary.LittleEndian.Uint64(b[off:])

	return UsageUpdate{Kind: kind, Key: key, Delta: delta, NodeID: nodeID, TS: ts}, true
}

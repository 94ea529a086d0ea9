package wire

import (
	"sync"
)

// Sender ships a tagged command with payload segments to a peer. The engine
// only ever talks to this interface; the transport behind it is the host's
// choice. Send reports whether the packet was accepted for delivery — a
// false return means the peer is unreachable and the caller should treat
// the operation as failed, not retry inline.
type Sender interface {
	Send(peerID uint64, cmd Command, payload ...[]byte) bool
}

// Handler receives inbound commands. peerID identifies the sending peer;
// payload segments alias the transport's read buffer and must be copied if
// retained.
type Handler func(peerID uint64, cmd Command, payload [][]byte)

// loopbackBuf bounds the per-direction in-flight packet queue of a loopback
// pair.
const loopbackBuf = 256

// loopbackPacket is one queued delivery inside a loopback pair.
type loopbackPacket struct {
	cmd      Command
	segments [][]byte
}

// Loopback is one end of an in-process transport pair. It implements Sender;
// inbound traffic is delivered on a dedicated goroutine in arrival order.
type Loopback struct {
	peerID uint64 // id this end reports for its remote

	mu      sync.Mutex
	handler Handler

	out    chan loopbackPacket
	closed chan struct{}
	once   sync.Once
}

// NewLoopbackPair wires two endpoints back to back. clientID and serverID
// are the peer ids each side sees for the other. Close either end to stop
// both delivery goroutines.
func NewLoopbackPair(clientID, serverID uint64) (client, server *Loopback) {
	client = &Loopback{peerID: serverID, out: make(chan loopbackPacket, loopbackBuf), closed: make(chan struct{})}
	server = &Loopback{peerID: clientID, out: make(chan loopbackPacket, loopbackBuf), closed: make(chan struct{})}

	go client.deliverFrom(server)
	go server.deliverFrom(client)

	return client, server
}

// SetHandler installs the inbound command handler. Packets arriving before
// a handler is installed are dropped.
func (l *Loopback) SetHandler(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Send implements Sender. Segments are deep-copied so the caller may reuse
// its buffers, matching real transport semantics.
func (l *Loopback) Send(_ uint64, cmd Command, payload ...[]byte) bool {
	copied := make([][]byte, len(payload))
	for i, seg := range payload {
		copied[i] = append([]byte(nil), seg...)
	}

	// Checked separately first: a two-case select would pick at random when
	// both the closed channel and the queue are ready.
	select {
	case <-l.closed:
		return false
	default:
	}

	select {
	case <-l.closed:
		return false
	case l.out <- loopbackPacket{cmd: cmd, segments: copied}:
		return true
	}
}

// Close stops delivery in both directions of the pair.
func (l *Loopback) Close() {
	l.once.Do(func() { close(l.closed) })
}

// deliverFrom pumps the remote end's outbound queue into this end's handler.
func (l *Loopback) deliverFrom(remote *Loopback) {
	for {
		select {
		case <-l.closed:
			return
		case <-remote.closed:
			return
		case pkt := <-remote.out:
			l.mu.Lock()
			h := l.handler
			l.mu.Unlock()

			if h != nil {
				h(l.peerID, pkt.cmd, pkt.segments)
			}
		}
	}
}

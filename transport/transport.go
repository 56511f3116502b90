// Package transport implements the ENet-like connection-oriented UDP layer
// described for the LAN and Netplay sessions: two ordered channels (0
// reliable control, 1 mixed-reliability payload), a Host role that accepts
// multiple peers and a Client role that connects to exactly one.
//
// It is built on github.com/anon55555/mt/rudp, a reliable-UDP multiplexed
// transport. rudp gives per-peer ordered channels and acks; this package
// adds the host/client peer-table bookkeeping, the event callback dispatch,
// and RTT bookkeeping that the sessions above it expect.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/anon55555/mt/rudp"
)

// Channel numbers used throughout the LAN and Netplay wire formats.
const (
	ChanControl = rudp.Channel(0) // reliable ordered
	ChanPayload = rudp.Channel(1) // mixed-reliability ordered
)

// MaxPeers bounds the peer table; it is sized to the larger of the two
// session kinds (LAN's 16) so one Transport type serves both.
const MaxPeers = 16

var (
	ErrNotHost       = errors.New("transport: not in host mode")
	ErrNotClient     = errors.New("transport: not in client mode")
	ErrNoFreeSlot    = errors.New("transport: no free peer slot")
	ErrUnknownPeer   = errors.New("transport: unknown peer index")
	ErrAlreadyActive = errors.New("transport: already started")
	ErrHandshakeTime = errors.New("transport: connect handshake timed out")
	ErrNotStarted    = errors.New("transport: not started")
)

// EventKind distinguishes the three kinds of events Poll delivers.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventData
)

// Event is delivered through the Poll callback.
type Event struct {
	Kind    EventKind
	PeerIdx int
	Data    []byte
	Channel rudp.Channel
	Unrel   bool
}

// EventCallback is invoked once per drained event from Poll. It must not
// block. Poll does not hold the internal mutex while invoking it, so the
// callback may call back into the Transport.
type EventCallback func(Event)

type peerSlot struct {
	peer   *rudp.Peer
	addr   net.Addr
	active bool
	rtt    time.Duration
}

// Transport is a mutex-serialized ENet-like peer table. All exported
// methods are safe to call concurrently; each call is atomic with respect
// to delivery ordering on its channel, matching the serialization contract
// the LAN/Netplay sessions rely on.
type Transport struct {
	mu sync.Mutex

	conn     net.PacketConn
	listener *rudp.Listener
	hostMode bool
	started  bool
	closed   bool

	peers    [MaxPeers]peerSlot
	numPeers int

	events chan Event
	onEvt  EventCallback

	wg  sync.WaitGroup
	log *log.Logger
}

// New creates an idle Transport. Logger defaults to log.Default() if nil.
func New(logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{
		events: make(chan Event, 256),
		log:    logger,
	}
}

// StartHost binds a UDP socket on port and begins accepting up to
// maxClients peers. Fails if the port is already bound.
func (t *Transport) StartHost(port int, maxClients int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyActive
	}
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("transport: bind host port %d: %w", port, err)
	}
	t.conn = conn
	t.listener = rudp.Listen(conn)
	t.hostMode = true
	t.started = true

	t.wg.Add(1)
	go t.acceptLoop(maxClients)
	return nil
}

// StartClient connects to host:port, blocking up to timeout for the peer
// to come up. On success exactly one peer slot (index 0) is populated.
func (t *Transport) StartClient(ctx context.Context, host string, port int, timeout time.Duration) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyActive
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport: open client socket: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		conn.Close()
		t.mu.Unlock()
		return fmt.Errorf("transport: resolve %s:%d: %w", host, port, err)
	}
	peer := rudp.Connect(conn, addr)
	t.conn = conn
	t.hostMode = false
	t.started = true
	t.peers[0] = peerSlot{peer: peer, addr: addr, active: true}
	t.numPeers = 1
	t.mu.Unlock()

	if err := t.awaitHandshake(ctx, peer, timeout); err != nil {
		t.mu.Lock()
		t.peers[0] = peerSlot{}
		t.numPeers = 0
		t.mu.Unlock()
		return err
	}

	t.wg.Add(1)
	go t.peerRecvLoop(0, peer)
	return nil
}

// awaitHandshake sends an empty reliable hello on the control channel and
// waits for its ack, or for the peer to disconnect, or for timeout to
// elapse, whichever happens first. This is the connect-confirmation step
// ENet gets for free via its CONNECT event; rudp instead acks the first
// reliable send, so a hello-and-ack round trip stands in for it.
func (t *Transport) awaitHandshake(ctx context.Context, peer *rudp.Peer, timeout time.Duration) error {
	ack, err := peer.Send(rudp.Pkt{Reader: bytes.NewReader(nil), PktInfo: rudp.PktInfo{Channel: ChanControl}})
	if err != nil {
		peer.Close()
		return fmt.Errorf("transport: send hello: %w", err)
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ack:
		return nil
	case <-peer.Disco():
		return fmt.Errorf("%w: peer disconnected during connect", ErrHandshakeTime)
	case <-deadline.Done():
		peer.SendDisco(0, true)
		peer.Close()
		return ErrHandshakeTime
	}
}

// ConnectOut dials out to host:port and adds the result as a new peer
// slot, regardless of whether this Transport is otherwise in host or
// client mode. This is how LAN mesh formation works: every participant's
// Transport both accepts inbound peers (if hosting) and can open
// additional outbound connections to build the full mesh.
func (t *Transport) ConnectOut(ctx context.Context, host string, port int, timeout time.Duration) (int, error) {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return 0, ErrNotStarted
	}
	idx, ok := t.freeSlot(MaxPeers)
	conn := t.conn
	t.mu.Unlock()
	if !ok {
		return 0, ErrNoFreeSlot
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, fmt.Errorf("transport: resolve %s:%d: %w", host, port, err)
	}
	peer := rudp.Connect(conn, addr)
	if err := t.awaitHandshake(ctx, peer, timeout); err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.peers[idx] = peerSlot{peer: peer, addr: addr, active: true}
	t.numPeers++
	t.mu.Unlock()

	t.wg.Add(1)
	go t.peerRecvLoop(idx, peer)
	return idx, nil
}

func (t *Transport) acceptLoop(maxClients int) {
	defer t.wg.Done()
	for {
		peer, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.Printf("transport: accept: %v", err)
			}
			return
		}
		t.mu.Lock()
		idx, ok := t.freeSlot(maxClients)
		if !ok {
			t.mu.Unlock()
			peer.SendDisco(0, true)
			peer.Close()
			continue
		}
		t.peers[idx] = peerSlot{peer: peer, addr: peer.Addr(), active: true}
		t.numPeers++
		t.mu.Unlock()

		t.pushEvent(Event{Kind: EventConnect, PeerIdx: idx})

		t.wg.Add(1)
		go t.peerRecvLoop(idx, peer)
	}
}

func (t *Transport) freeSlot(max int) (int, bool) {
	if max > MaxPeers {
		max = MaxPeers
	}
	for i := 0; i < max; i++ {
		if !t.peers[i].active {
			return i, true
		}
	}
	return 0, false
}

func (t *Transport) peerRecvLoop(idx int, peer *rudp.Peer) {
	defer t.wg.Done()
	for {
		pkt, err := peer.Recv()
		if err != nil {
			t.mu.Lock()
			t.peers[idx] = peerSlot{}
			if t.numPeers > 0 {
				t.numPeers--
			}
			t.mu.Unlock()
			t.pushEvent(Event{Kind: EventDisconnect, PeerIdx: idx})
			return
		}
		data, err := io.ReadAll(pkt)
		if err != nil {
			t.log.Printf("transport: read packet from peer %d: %v", idx, err)
			continue
		}
		t.pushEvent(Event{
			Kind:    EventData,
			PeerIdx: idx,
			Data:    data,
			Channel: pkt.Channel,
			Unrel:   pkt.Unrel,
		})
	}
}

func (t *Transport) pushEvent(e Event) {
	select {
	case t.events <- e:
	default:
		t.log.Printf("transport: event queue full, dropping %v event from peer %d", e.Kind, e.PeerIdx)
	}
}

// Poll drains every event currently pending (plus, if timeout > 0 and no
// event is queued yet, waits up to timeout for the first one) and
// dispatches each to cb. It returns the number of events processed.
func (t *Transport) Poll(cb EventCallback, timeout time.Duration) int {
	n := 0
	if timeout > 0 {
		select {
		case e := <-t.events:
			cb(e)
			n++
		case <-time.After(timeout):
			return 0
		}
	}
	for {
		select {
		case e := <-t.events:
			cb(e)
			n++
		default:
			return n
		}
	}
}

// SendTo sends bytes to a single peer on channel, reliable or not. Reliable
// sends are timed against their ack to keep PeerRTT current.
func (t *Transport) SendTo(peerIdx int, data []byte, channel rudp.Channel, reliable bool) error {
	t.mu.Lock()
	if peerIdx < 0 || peerIdx >= MaxPeers || !t.peers[peerIdx].active {
		t.mu.Unlock()
		return ErrUnknownPeer
	}
	peer := t.peers[peerIdx].peer
	t.mu.Unlock()

	ack, err := peer.Send(rudp.Pkt{
		Reader:  bytes.NewReader(data),
		PktInfo: rudp.PktInfo{Channel: channel, Unrel: !reliable},
	})
	if err != nil {
		return err
	}
	if reliable {
		sent := time.Now()
		go func() {
			select {
			case <-ack:
				t.recordRTT(peerIdx, peer, time.Since(sent))
			case <-peer.Disco():
			case <-time.After(rudp.PingTimeout):
			}
		}()
	}
	return nil
}

// Broadcast sends bytes to every active peer on channel.
func (t *Transport) Broadcast(data []byte, channel rudp.Channel, reliable bool) {
	type target struct {
		idx  int
		peer *rudp.Peer
	}
	t.mu.Lock()
	targets := make([]target, 0, t.numPeers)
	for i := range t.peers {
		if t.peers[i].active {
			targets = append(targets, target{idx: i, peer: t.peers[i].peer})
		}
	}
	t.mu.Unlock()

	for _, tgt := range targets {
		ack, err := tgt.peer.Send(rudp.Pkt{
			Reader:  bytes.NewReader(data),
			PktInfo: rudp.PktInfo{Channel: channel, Unrel: !reliable},
		})
		if err != nil {
			t.log.Printf("transport: broadcast send: %v", err)
			continue
		}
		if reliable {
			idx, peer, sent := tgt.idx, tgt.peer, time.Now()
			go func() {
				select {
				case <-ack:
					t.recordRTT(idx, peer, time.Since(sent))
				case <-peer.Disco():
				case <-time.After(rudp.PingTimeout):
				}
			}()
		}
	}
}

// recordRTT stores a peer's latest ack-latency sample, sampled in the
// background by SendTo/Broadcast for every reliable send. It guards against
// a stale sample landing on a peer slot that has since been reused.
func (t *Transport) recordRTT(idx int, peer *rudp.Peer, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx >= 0 && idx < MaxPeers && t.peers[idx].active && t.peers[idx].peer == peer {
		t.peers[idx].rtt = d
	}
}

// PeerRTT returns the peer's most recently measured round-trip time, sampled
// from the ack latency of its reliable sends. Zero until the first reliable
// send to this peer has been acked.
func (t *Transport) PeerRTT(peerIdx int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peerIdx < 0 || peerIdx >= MaxPeers || !t.peers[peerIdx].active {
		return 0
	}
	return t.peers[peerIdx].rtt
}

// LocalPort returns the UDP port this Transport is bound to, useful when
// StartHost was called with port 0 and the OS picked an ephemeral one.
func (t *Transport) LocalPort() (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrNotStarted
	}
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("transport: local addr is not UDP: %v", conn.LocalAddr())
	}
	return addr.Port, nil
}

// IsHost reports whether this Transport was started with StartHost.
func (t *Transport) IsHost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hostMode
}

// NumPeers reports the current number of active peers.
func (t *Transport) NumPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numPeers
}

// PeerAddr returns the remote address of an active peer.
func (t *Transport) PeerAddr(peerIdx int) (net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peerIdx < 0 || peerIdx >= MaxPeers || !t.peers[peerIdx].active {
		return nil, ErrUnknownPeer
	}
	return t.peers[peerIdx].addr, nil
}

// Disconnect tears down a single peer.
func (t *Transport) Disconnect(peerIdx int) {
	t.mu.Lock()
	if peerIdx < 0 || peerIdx >= MaxPeers || !t.peers[peerIdx].active {
		t.mu.Unlock()
		return
	}
	peer := t.peers[peerIdx].peer
	t.peers[peerIdx] = peerSlot{}
	if t.numPeers > 0 {
		t.numPeers--
	}
	t.mu.Unlock()

	peer.SendDisco(0, true)
	peer.Close()
}

// Stop disconnects every peer synchronously and tears down the listener
// and socket. There is no lingering grace period.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	peers := make([]*rudp.Peer, 0, t.numPeers)
	for i := range t.peers {
		if t.peers[i].active {
			peers = append(peers, t.peers[i].peer)
			t.peers[i] = peerSlot{}
		}
	}
	t.numPeers = 0
	listener := t.listener
	conn := t.conn
	t.mu.Unlock()

	for _, p := range peers {
		p.SendDisco(0, true)
		p.Close()
	}
	if listener != nil {
		listener.Close()
	}
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
}

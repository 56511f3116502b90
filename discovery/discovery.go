// Package discovery implements the LAN host-advertisement beacon: a fixed
// little-endian UDP broadcast datagram on port 7063, and a receiver-side
// aging table that evicts records whose last-seen tick falls too far
// behind.
package discovery

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ryuto-alt/melonDS-net/wire"
)

// Port is the fixed UDP discovery port.
const Port = 7063

// Magic identifies a discovery beacon: "LAND" little-endian.
const Magic = 0x444E414C

// Version is the only discovery protocol version understood.
const Version = 1

// MaxSessionName is the fixed wire width of the session name field.
const MaxSessionName = 64

// recordTTL is how long a discovery record survives without a refresh.
const recordTTL = 5 * time.Second

// beaconInterval is how often a host broadcasts.
const beaconInterval = 1 * time.Second

// wireSize is magic(4) + version(4) + tick(4) + name(64) + num(1) + max(1) + status(1) + pad(1).
const wireSize = 4 + 4 + 4 + MaxSessionName + 1 + 1 + 1 + 1

// Record is one advertised host, keyed by the sender's IPv4 address.
type Record struct {
	Addr        net.IP
	SessionName string
	NumPlayers  uint8
	MaxPlayers  uint8
	Status      uint8
	LastSeen    time.Time

	// lastTick is the beacon tick this record was last refreshed from, used
	// to reject stale or reordered beacons arriving out of order over UDP.
	lastTick uint32
}

// Beacon is the host-side payload broadcast once per second.
type Beacon struct {
	SessionName string
	NumPlayers  uint8
	MaxPlayers  uint8
	Status      uint8
}

func encode(b Beacon, tick uint32) []byte {
	w := wire.NewWriter(wireSize)
	w.U32(Magic)
	w.U32(Version)
	w.U32(tick)
	w.FixedString(b.SessionName, MaxSessionName)
	w.U8(b.NumPlayers)
	w.U8(b.MaxPlayers)
	w.U8(b.Status)
	w.U8(0) // pad
	return w.Bytes()
}

func decode(buf []byte) (Beacon, uint32, error) {
	if len(buf) < wireSize {
		return Beacon{}, 0, fmt.Errorf("discovery: short beacon, %d < %d bytes", len(buf), wireSize)
	}
	r := wire.NewReader(buf)
	magic := r.U32()
	version := r.U32()
	tick := r.U32()
	name := r.FixedString(MaxSessionName)
	num := r.U8()
	max := r.U8()
	status := r.U8()
	_ = r.U8() // pad
	if r.Err() != nil {
		return Beacon{}, 0, r.Err()
	}
	if magic != Magic {
		return Beacon{}, 0, fmt.Errorf("discovery: bad magic %#x", magic)
	}
	if version != Version {
		return Beacon{}, 0, fmt.Errorf("discovery: unsupported version %d", version)
	}
	if max > 16 {
		return Beacon{}, 0, fmt.Errorf("discovery: max_players %d > 16", max)
	}
	if num > max {
		return Beacon{}, 0, fmt.Errorf("discovery: num_players %d > max_players %d", num, max)
	}
	return Beacon{SessionName: name, NumPlayers: num, MaxPlayers: max, Status: status}, tick, nil
}

// Host periodically broadcasts a beacon describing the local LAN session.
type Host struct {
	conn   *net.UDPConn
	stop   chan struct{}
	done   chan struct{}
	log    *log.Logger
	get    func() Beacon
	ticker uint32
}

// NewHost opens a UDP broadcast socket and starts advertising beacon()'s
// result once per second until Stop is called.
func NewHost(beacon func() Beacon, logger *log.Logger) (*Host, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("discovery: open broadcast socket: %w", err)
	}
	h := &Host{conn: conn, stop: make(chan struct{}), done: make(chan struct{}), log: logger, get: beacon}
	go h.run()
	return h, nil
}

func (h *Host) run() {
	defer close(h.done)
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: Port}
	t := time.NewTicker(beaconInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			h.ticker += uint32(beaconInterval / time.Millisecond)
			b := encode(h.get(), h.ticker)
			if _, err := h.conn.WriteTo(b, dst); err != nil {
				h.log.Printf("discovery: broadcast: %v", err)
			}
		}
	}
}

// Stop halts advertising and closes the socket.
func (h *Host) Stop() {
	close(h.stop)
	<-h.done
	h.conn.Close()
}

// Table is the receiver-side aging table of discovered hosts, guarded by
// its own mutex so the UI can read it at any time.
type Table struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	records map[string]Record
	stop    chan struct{}
	done    chan struct{}
	log     *log.Logger
	now     func() time.Time
}

// NewTable opens a UDP listener on the discovery port and begins draining
// and aging beacons until Stop is called.
func NewTable(logger *log.Logger) (*Table, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen on port %d: %w", Port, err)
	}
	t := &Table{
		conn:    conn,
		records: make(map[string]Record),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     logger,
		now:     time.Now,
	}
	go t.run()
	return t, nil
}

func (t *Table) run() {
	defer close(t.done)
	buf := make([]byte, 4096)
	t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
				t.evictStale()
				continue
			}
			return
		}
		beacon, tick, err := decode(buf[:n])
		if err != nil {
			t.log.Printf("discovery: %v", err)
			continue
		}
		t.upsert(addr.IP, beacon, tick)
		t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	}
}

// upsert inserts or refreshes a record, but only when the incoming beacon's
// tick exceeds the stored record's last tick. A stale or reordered beacon,
// common on a UDP broadcast segment, must not resurrect or rewind a record.
func (t *Table) upsert(ip net.IP, b Beacon, tick uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ip.String()
	if existing, ok := t.records[key]; ok && tick <= existing.lastTick {
		return
	}
	t.records[key] = Record{
		Addr:        ip,
		SessionName: b.SessionName,
		NumPlayers:  b.NumPlayers,
		MaxPlayers:  b.MaxPlayers,
		Status:      b.Status,
		LastSeen:    t.now(),
		lastTick:    tick,
	}
	t.evictStaleLocked()
}

func (t *Table) evictStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictStaleLocked()
}

func (t *Table) evictStaleLocked() {
	now := t.now()
	for k, r := range t.records {
		if now.Sub(r.LastSeen) >= recordTTL {
			delete(t.records, k)
		}
	}
}

// List returns a snapshot of every currently live record.
func (t *Table) List() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictStaleLocked()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// Stop halts the receive loop and closes the socket.
func (t *Table) Stop() {
	close(t.stop)
	<-t.done
	t.conn.Close()
}

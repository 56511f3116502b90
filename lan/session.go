// Package lan implements the LAN Session Core: mesh topology formation
// over Transport, a player roster, the MP packet router, a background
// network thread, and timed packet staleness handling.
package lan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryuto-alt/melonDS-net/discovery"
	"github.com/ryuto-alt/melonDS-net/roster"
	"github.com/ryuto-alt/melonDS-net/transport"
	"github.com/ryuto-alt/melonDS-net/upnp"
)

// DefaultPort is the LAN session's default game port.
const DefaultPort = 7064

// DefaultRecvTimeout bounds RecvReplies when the caller does not override it.
const DefaultRecvTimeout = 25 * time.Millisecond

// staleAfter bounds the packet staleness window: a packet's receive tick
// must be within (now-staleAfter, now], and packets with a tick in the
// future are discarded as well.
const staleAfter = 500 * time.Millisecond

var (
	ErrHandshakeTimeout = errors.New("lan: client handshake timed out")
	ErrSessionFull       = errors.New("lan: session is full")
	ErrProtocolViolation = errors.New("lan: protocol violation")
	ErrNotStarted        = errors.New("lan: session not started")
)

// DisconnectCallback fires when a peer (or, for a client, the host) drops.
type DisconnectCallback func(playerID int)

// Config configures a Session for its whole lifetime.
type Config struct {
	Port        int
	PortMapper  upnp.PortMapper
	Logger      *log.Logger
	RecvTimeout time.Duration
}

type rxEntry struct {
	Header   mpHeader
	Body     []byte
	PeerIdx  int
	RecvTick time.Time
}

// Session is the LAN Session Core. All exported methods are safe to call
// from the emulator thread; the background network thread only ever
// touches roster/rxQueue/connMask under their own locks, never both the
// roster mutex and the transport mutex at once (see the ordering
// invariant this was grounded on).
type Session struct {
	log *log.Logger

	tr      *transport.Transport
	mapper  upnp.PortMapper
	port    int

	rosterMu     sync.Mutex
	roster       roster.Roster
	localID      int
	isHost       bool
	peerToPlayer map[int]int // transport peer index -> player ID
	playerToPeer map[int]int // player ID -> transport peer index

	connMask atomic.Uint32 // bit i set iff player i announced readiness

	rxMu    sync.Mutex
	rxQueue []rxEntry

	// lastHostPeer/lastHostID are the source of the most recently received
	// Command packet, the unicast target for SendReply. Guarded by rxMu
	// since onData (network thread) writes them and SendReply (emulator
	// thread) reads them.
	lastHostPeer int // -1 if unknown
	lastHostID   int

	disco     *discovery.Table
	discoHost *discovery.Host

	running atomic.Bool
	wg      sync.WaitGroup

	onDisconnect DisconnectCallback

	recvTimeout time.Duration

	processTicks uint64
}

// New creates an idle Session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RecvTimeout == 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	return &Session{
		log:          cfg.Logger,
		tr:           transport.New(cfg.Logger),
		mapper:       cfg.PortMapper,
		port:         cfg.Port,
		lastHostPeer: -1,
		recvTimeout:  cfg.RecvTimeout,
		peerToPlayer: make(map[int]int),
		playerToPeer: make(map[int]int),
	}
}

// OnDisconnect registers the user-visible disconnect callback. Fired
// without holding any session lock.
func (s *Session) OnDisconnect(cb DisconnectCallback) { s.onDisconnect = cb }

// StartHost binds the game port, seeds roster slot 0 as Host/loopback,
// starts discovery beacons and the network thread.
func (s *Session) StartHost(name string, maxPlayers int) error {
	if maxPlayers <= 0 || maxPlayers > roster.MaxPlayers {
		return fmt.Errorf("lan: max_players %d out of range", maxPlayers)
	}
	if err := s.tr.StartHost(s.port, maxPlayers); err != nil {
		return err
	}
	s.isHost = true
	s.localID = 0

	s.rosterMu.Lock()
	s.roster = roster.Roster{NumPlayers: 1}
	p := roster.Player{ID: 0, Name: name, Status: roster.StatusHost, Address: net.IPv4(127, 0, 0, 1), IsLocalPlayer: true}
	p.Clamp()
	s.roster.Players[0] = p
	s.rosterMu.Unlock()

	if s.mapper != nil {
		if err := s.mapper.Map(s.port); err != nil {
			s.log.Printf("lan: upnp map failed, continuing LAN-only: %v", err)
		}
	}

	discoHost, err := discovery.NewHost(func() discovery.Beacon {
		s.rosterMu.Lock()
		defer s.rosterMu.Unlock()
		return discovery.Beacon{
			SessionName: name,
			NumPlayers:  uint8(s.roster.NumPlayers),
			MaxPlayers:  uint8(maxPlayers),
			Status:      uint8(roster.StatusHost),
		}
	}, s.log)
	if err != nil {
		s.log.Printf("lan: discovery advertise failed: %v", err)
	} else {
		s.discoHost = discoHost
	}

	s.startNetworkThread(maxPlayers)
	return nil
}

// StartClient connects to host:port, drives the synchronous handshake
// (capped at 5s), and on success marks the session active.
func (s *Session) StartClient(ctx context.Context, name, host string) error {
	deadline := 5 * time.Second
	if err := s.tr.StartClient(ctx, host, s.port, deadline); err != nil {
		return fmt.Errorf("lan: connect: %w", err)
	}
	s.isHost = false

	hsCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	events := make(chan transport.Event, 8)
	go s.tr.Poll(func(e transport.Event) { events <- e }, deadline)

	var clientInit clientInitMsg
	gotInit := false
	for !gotInit {
		select {
		case e := <-events:
			if e.Kind != transport.EventData {
				continue
			}
			msg, err := decodeClientInit(e.Data)
			if err != nil {
				s.tr.Stop()
				return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			}
			clientInit = msg
			gotInit = true
		case <-hsCtx.Done():
			s.tr.Stop()
			return ErrHandshakeTimeout
		}
	}

	s.localID = int(clientInit.AssignedID)

	s.rosterMu.Lock()
	s.roster = roster.Roster{NumPlayers: 1}
	p := roster.Player{ID: clientInit.AssignedID, Name: name, Status: roster.StatusClient, IsLocalPlayer: true}
	p.Clamp()
	s.roster.Players[clientInit.AssignedID] = p
	s.rosterMu.Unlock()

	if err := s.tr.SendTo(0, encodePlayerInfo(p), transport.ChanControl, true); err != nil {
		s.tr.Stop()
		return fmt.Errorf("lan: send PlayerInfo: %w", err)
	}

	s.startNetworkThread(int(clientInit.MaxPlayers))
	return nil
}

func (s *Session) startNetworkThread(maxPlayers int) {
	s.running.Store(true)
	s.wg.Add(1)
	go s.networkThreadFunc(maxPlayers)
}

// networkThreadFunc is the single background Network Thread: a tight poll
// loop draining transport events into the mutex-guarded RX FIFO, sleeping
// 500us between drains.
func (s *Session) networkThreadFunc(maxPlayers int) {
	defer s.wg.Done()
	for s.running.Load() {
		s.tr.Poll(func(e transport.Event) { s.handleTransportEvent(e, maxPlayers) }, 0)
		time.Sleep(500 * time.Microsecond)
	}
}

func (s *Session) handleTransportEvent(e transport.Event, maxPlayers int) {
	switch e.Kind {
	case transport.EventConnect:
		if s.isHost {
			s.hostOnConnect(e.PeerIdx, maxPlayers)
		} else {
			s.clientOnConnect(e.PeerIdx)
		}
	case transport.EventDisconnect:
		s.onPeerDisconnect(e.PeerIdx)
	case transport.EventData:
		s.onData(e)
	}
}

func (s *Session) onData(e transport.Event) {
	if e.Channel == transport.ChanPayload {
		h, body, err := decodeMPHeader(e.Data)
		if err != nil {
			return
		}
		if int(h.SenderID) == s.localID {
			return
		}
		now := time.Now()
		entry := rxEntry{Header: h, Body: body, PeerIdx: e.PeerIdx, RecvTick: now}
		s.rxMu.Lock()
		s.rxQueue = append(s.rxQueue, entry)
		if baseType(h.Type) == TypeCmd {
			s.lastHostPeer = e.PeerIdx
			s.lastHostID = int(h.SenderID)
		}
		s.rxMu.Unlock()
		return
	}
	s.onControlMessage(e)
}

func (s *Session) onControlMessage(e transport.Event) {
	if len(e.Data) == 0 {
		return
	}
	switch e.Data[0] {
	case opPlayerInfo:
		if s.isHost {
			s.hostOnPlayerInfo(e.PeerIdx, e.Data)
		}
	case opPlayerList:
		if !s.isHost {
			s.clientOnPlayerList(e.Data)
		}
	case opPlayerConnect:
		if playerID, ok := s.lookupPlayerID(e.PeerIdx); ok {
			s.setBitmask(playerID, true)
		}
	case opPlayerDisconnect:
		if playerID, ok := s.lookupPlayerID(e.PeerIdx); ok {
			s.setBitmask(playerID, false)
		}
	}
}

// lookupPlayerID translates a transport peer index to the roster player ID
// it has been assigned, mirroring the fallback onPeerDisconnect uses: a
// client's peer 0 is always the host even before any PlayerInfo/PlayerList
// round trip has recorded the mapping.
func (s *Session) lookupPlayerID(peerIdx int) (int, bool) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	if playerID, ok := s.peerToPlayer[peerIdx]; ok {
		return playerID, true
	}
	if !s.isHost && peerIdx == 0 {
		return 0, true
	}
	return 0, false
}

func (s *Session) hostOnConnect(peerIdx, maxPlayers int) {
	s.rosterMu.Lock()
	slot, ok := s.roster.LowestFreeSlot(maxPlayers)
	if !ok || s.roster.NumPlayers >= maxPlayers {
		s.rosterMu.Unlock()
		s.tr.Disconnect(peerIdx)
		return
	}
	s.roster.Players[slot] = roster.Player{ID: uint8(slot), Status: roster.StatusConnecting}
	s.roster.NumPlayers++
	s.peerToPlayer[peerIdx] = slot
	s.playerToPeer[slot] = peerIdx
	s.rosterMu.Unlock()

	s.tr.SendTo(peerIdx, encodeClientInit(uint8(slot), uint8(maxPlayers)), transport.ChanControl, true)
}

func (s *Session) hostOnPlayerInfo(peerIdx int, data []byte) {
	p, err := decodePlayerInfo(data)
	if err != nil {
		s.tr.Disconnect(peerIdx)
		return
	}
	if int(p.ID) >= roster.MaxPlayers {
		s.tr.Disconnect(peerIdx)
		return
	}
	addr, _ := s.tr.PeerAddr(peerIdx)

	s.rosterMu.Lock()
	if s.roster.Players[p.ID].Status != roster.StatusConnecting {
		s.rosterMu.Unlock()
		s.tr.Disconnect(peerIdx)
		return
	}
	if owned, ok := s.peerToPlayer[peerIdx]; !ok || owned != int(p.ID) {
		s.rosterMu.Unlock()
		s.tr.Disconnect(peerIdx)
		return
	}
	p.Status = roster.StatusClient
	p.IsLocalPlayer = false
	p.Address = addrIP(addr)
	s.roster.Players[p.ID] = p
	num := uint8(s.roster.NumPlayers)
	players := s.roster.Players
	s.rosterMu.Unlock()

	s.tr.Broadcast(encodePlayerList(num, players), transport.ChanControl, true)
}

// clientOnConnect handles an inbound connection from another client during
// mesh formation: reverse-lookup the connecting peer's observed address
// against the roster to adopt its player ID. No match means this is not a
// peer we expect, so it is disconnected.
func (s *Session) clientOnConnect(peerIdx int) {
	addr, _ := s.tr.PeerAddr(peerIdx)
	ip := addrIP(addr)
	if ip == nil {
		s.tr.Disconnect(peerIdx)
		return
	}
	s.rosterMu.Lock()
	for i := range s.roster.Players {
		p := &s.roster.Players[i]
		if p.Status != roster.StatusClient {
			continue
		}
		if p.Address != nil && p.Address.Equal(ip) {
			s.peerToPlayer[peerIdx] = i
			s.playerToPeer[i] = peerIdx
			s.rosterMu.Unlock()
			return
		}
	}
	s.rosterMu.Unlock()
	s.tr.Disconnect(peerIdx)
}

func (s *Session) clientOnPlayerList(data []byte) {
	num, players, err := decodePlayerList(data)
	if err != nil {
		return
	}
	s.rosterMu.Lock()
	s.roster.NumPlayers = int(num)
	s.roster.Players = players
	local := s.localID
	toConnect := make([]roster.Player, 0, roster.MaxPlayers)
	for i, p := range players {
		if i == local || p.Status != roster.StatusClient {
			continue
		}
		if _, known := s.playerToPeer[i]; known {
			continue
		}
		if p.Address == nil {
			continue
		}
		toConnect = append(toConnect, p)
	}
	s.rosterMu.Unlock()

	for _, p := range toConnect {
		go s.connectToMeshPeer(p)
	}
}

func (s *Session) connectToMeshPeer(p roster.Player) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peerIdx, err := s.tr.ConnectOut(ctx, p.Address.String(), s.port, 5*time.Second)
	if err != nil {
		s.log.Printf("lan: mesh connect to player %d (%s) failed: %v", p.ID, p.Address, err)
		return
	}
	s.rosterMu.Lock()
	s.peerToPlayer[peerIdx] = int(p.ID)
	s.playerToPeer[int(p.ID)] = peerIdx
	s.rosterMu.Unlock()
}

// addrIP extracts the bare IPv4 address from a net.Addr, independent of
// the concrete type the transport happens to hand back.
func addrIP(addr net.Addr) net.IP {
	if addr == nil {
		return nil
	}
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func (s *Session) onPeerDisconnect(peerIdx int) {
	s.rosterMu.Lock()
	disconnectedID, known := s.peerToPlayer[peerIdx]
	if !known {
		// A client's peer 0 is always the host even before any
		// PlayerInfo/PlayerList round trip has recorded the mapping.
		if !s.isHost && peerIdx == 0 {
			disconnectedID, known = 0, true
		}
	}
	if known {
		s.roster.Players[disconnectedID].Status = roster.StatusDisconnected
		if s.roster.NumPlayers > 0 {
			s.roster.NumPlayers--
		}
		delete(s.peerToPlayer, peerIdx)
		delete(s.playerToPeer, disconnectedID)
	}
	num := uint8(s.roster.NumPlayers)
	players := s.roster.Players
	s.rosterMu.Unlock()

	if known {
		s.setBitmask(disconnectedID, false)
		if s.isHost {
			s.tr.Broadcast(encodePlayerList(num, players), transport.ChanControl, true)
		}
	}
	if s.onDisconnect != nil {
		id := -1
		if known {
			id = disconnectedID
		}
		s.onDisconnect(id)
	}
}

func (s *Session) setBitmask(playerID int, set bool) {
	if playerID < 0 || playerID >= 16 {
		return
	}
	for {
		old := s.connMask.Load()
		var next uint32
		if set {
			next = old | (1 << uint(playerID))
		} else {
			next = old &^ (1 << uint(playerID))
		}
		if s.connMask.CompareAndSwap(old, next) {
			return
		}
	}
}

// Begin marks the local player as actively participating: sets the local
// bit of ConnectedBitmask and broadcasts PlayerConnect.
func (s *Session) Begin() {
	s.setBitmask(s.localID, true)
	s.tr.Broadcast(encodeSimple(opPlayerConnect), transport.ChanControl, true)
}

// End clears the local bit and broadcasts PlayerDisconnect.
func (s *Session) End() {
	s.setBitmask(s.localID, false)
	s.tr.Broadcast(encodeSimple(opPlayerDisconnect), transport.ChanControl, true)
}

// ConnectedBitmask returns the current readiness bitmask snapshot.
func (s *Session) ConnectedBitmask() uint16 { return uint16(s.connMask.Load()) }

// Roster returns a snapshot of the current player table, with the local
// entry's address reported as loopback.
func (s *Session) Roster() roster.Roster {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	r := s.roster
	if s.localID >= 0 && s.localID < roster.MaxPlayers {
		r.Players[s.localID].Address = net.IPv4(127, 0, 0, 1)
	}
	return r
}

// LocalPlayerID returns the session's own player id.
func (s *Session) LocalPlayerID() int { return s.localID }

// Discover starts listening for host advertisement beacons on the LAN and
// returns the aging table the UI can poll via DiscoveryList. Intended to
// be called before StartClient, while the user is choosing a host to
// join.
func (s *Session) Discover() error {
	tbl, err := discovery.NewTable(s.log)
	if err != nil {
		return err
	}
	s.disco = tbl
	return nil
}

// DiscoveryList returns a snapshot of every currently advertised host, or
// nil if Discover was never called.
func (s *Session) DiscoveryList() []discovery.Record {
	if s.disco == nil {
		return nil
	}
	return s.disco.List()
}

// Process is the per-emulator-frame entry point: every 60th call refreshes
// peer pings. Discovery runs on its own goroutines and is not driven from
// here. Process does not touch the RX queue directly;
// packet consumption happens through RecvPacket/RecvHostPacket.
func (s *Session) Process() {
	s.processTicks++
	if s.processTicks%60 == 0 {
		s.refreshPing()
	}
}

func (s *Session) refreshPing() {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	for i := range s.roster.Players {
		if s.roster.Players[i].Status != roster.StatusClient && s.roster.Players[i].Status != roster.StatusHost {
			continue
		}
		if s.roster.Players[i].IsLocalPlayer {
			continue
		}
		peerIdx, ok := s.playerToPeer[i]
		if !ok {
			continue
		}
		rtt := s.tr.PeerRTT(peerIdx)
		s.roster.Players[i].Ping = uint32(rtt / time.Millisecond)
	}
}

// Stop tears down the network thread, disconnects every peer, and stops
// discovery. Synchronous; no lingering grace period.
func (s *Session) Stop() {
	s.running.Store(false)
	s.wg.Wait()
	if s.discoHost != nil {
		s.discoHost.Stop()
	}
	if s.disco != nil {
		s.disco.Stop()
	}
	if s.mapper != nil {
		s.mapper.Unmap(s.port)
	}
	s.tr.Stop()

	s.rxMu.Lock()
	s.rxQueue = nil
	s.rxMu.Unlock()
}

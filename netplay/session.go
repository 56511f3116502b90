// Package netplay implements the Netplay Lockstep Session: every peer (host
// and clients alike) runs the same N emulator instances locally, advanced
// one frame at a time under a shared barrier, fed by inputs exchanged over a
// reliable transport. The host is player 0 and relays every client's input
// to every other client, star-topology, since only the host accepts
// inbound connections.
package netplay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ryuto-alt/melonDS-net/barrier"
	"github.com/ryuto-alt/melonDS-net/blob"
	"github.com/ryuto-alt/melonDS-net/emucore"
	"github.com/ryuto-alt/melonDS-net/inputring"
	"github.com/ryuto-alt/melonDS-net/transport"
)

// DefaultPort is the netplay session's default transport port.
const DefaultPort = 7065

// MaxPlayers bounds a netplay fleet, distinct from LAN's 16.
const MaxPlayers = 4

// desyncInterval is the frame period between state hash broadcasts.
const desyncInterval = 60

// joinTimeout bounds the client join handshake and the host's wait for
// every client to finish it, mirroring the LAN handshake's 5s budget.
const joinTimeout = 5 * time.Second

var (
	ErrTooManyPlayers   = errors.New("netplay: num_players exceeds MaxPlayers")
	ErrInputDelayRange  = errors.New("netplay: input_delay exceeds ring size")
	ErrNotReady         = errors.New("netplay: frame not ready")
	ErrNotHost          = errors.New("netplay: operation requires the host role")
	ErrHandshakeTimeout = errors.New("netplay: join handshake timed out")
	ErrRomMismatch      = errors.New("netplay: rom hash mismatch with host")
	ErrProtocolMismatch = errors.New("netplay: session parameters do not match host")
	ErrNoInstances      = errors.New("netplay: CreateInstances not called")
)

// InstanceFactory constructs one fresh, identically-configured emulator
// instance. CreateInstances calls it once per player.
type InstanceFactory func() (emucore.Instance, error)

// DesyncCallback fires when a peer's broadcast hash disagrees with this
// session's own hash for the same frame. The session remains active.
type DesyncCallback func(frame uint32, localHash, remoteHash uint64)

// DisconnectCallback fires when a peer (or, for a client, the host) drops.
type DisconnectCallback func(playerID int)

// Config configures a Session for its whole lifetime.
type Config struct {
	Port   int
	Logger *log.Logger
}

// Session is the Netplay Lockstep Session.
type Session struct {
	log *log.Logger
	tr  *transport.Transport
	port int

	localID    int
	isHost     bool
	numPlayers int
	inputDelay int

	instances []emucore.Instance
	ring      *inputring.Ring

	currentFrame uint32

	workersMu      sync.Mutex
	workersStarted bool
	brr            *barrier.Barrier
	grp            *errgroup.Group
	grpCancel      context.CancelFunc
	scanlines      []int
	running        atomic.Bool

	lastHash      uint64
	lastHashFrame uint32

	handshakeMu      sync.Mutex
	nextClientID     int
	peerToPlayer     map[int]int
	playerToPeer     map[int]int
	clientReceivers  map[uint8]*blob.Receiver // client-side only, keyed by blob type
	syncReadyPlayers map[int]bool
	romHash          uint64

	netRunning atomic.Bool
	netWg      sync.WaitGroup

	onDesync     DesyncCallback
	onDisconnect DisconnectCallback
}

// New creates an idle Session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Session{
		log:              cfg.Logger,
		tr:               transport.New(cfg.Logger),
		port:             cfg.Port,
		nextClientID:     1,
		peerToPlayer:     make(map[int]int),
		playerToPeer:     make(map[int]int),
		clientReceivers:  make(map[uint8]*blob.Receiver),
		syncReadyPlayers: make(map[int]bool),
	}
}

func (s *Session) OnDesync(cb DesyncCallback)         { s.onDesync = cb }
func (s *Session) OnDisconnect(cb DisconnectCallback) { s.onDisconnect = cb }

// Init allocates the input ring and prefills input_delay neutral frames for
// every player. localID is assigned out-of-band by the caller (the host is
// always 0); num_players and input_delay must agree with every other peer's
// Init call, verified defensively during the join handshake.
func (s *Session) Init(localID, numPlayers, inputDelay int) error {
	if numPlayers <= 0 || numPlayers > MaxPlayers {
		return ErrTooManyPlayers
	}
	if inputDelay < 0 || inputDelay > inputring.RingSize {
		return ErrInputDelayRange
	}
	s.localID = localID
	s.isHost = localID == 0
	s.numPlayers = numPlayers
	s.inputDelay = inputDelay
	s.ring = inputring.New(numPlayers)
	s.ring.PrefillNeutral(inputDelay)
	s.currentFrame = 0
	return nil
}

// CreateInstances constructs num_players emulator instances, resets each,
// registers them as the local mirrored fleet, and mutes every instance
// other than the local player's (the sound engine still runs for timing
// fidelity; only the mixer output is silenced).
func (s *Session) CreateInstances(factory InstanceFactory) error {
	instances := make([]emucore.Instance, s.numPlayers)
	for i := range instances {
		inst, err := factory()
		if err != nil {
			return fmt.Errorf("netplay: create instance %d: %w", i, err)
		}
		inst.Reset()
		instances[i] = inst
	}
	s.instances = instances
	for i, inst := range instances {
		if i == s.localID {
			continue
		}
		if sp, ok := inst.(emucore.SoundPower); ok {
			sp.SetSoundPower(false)
		}
	}
	return nil
}

// LoadROM parses a fresh Cart from rom for every instance (carts own
// mutable SRAM and must not be shared) and direct-boots any that need it.
func (s *Session) LoadROM(parser emucore.CartParser, rom []byte) error {
	if len(s.instances) == 0 {
		return ErrNoInstances
	}
	for i, inst := range s.instances {
		cart, err := parser.ParseROM(rom)
		if err != nil {
			return fmt.Errorf("netplay: parse ROM for instance %d: %w", i, err)
		}
		cg, ok := inst.(emucore.Cartridge)
		if !ok {
			return fmt.Errorf("netplay: instance %d does not implement Cartridge", i)
		}
		if err := cg.SetCart(cart); err != nil {
			return fmt.Errorf("netplay: set cart on instance %d: %w", i, err)
		}
		inst.Reset()
		if cart.NeedsDirectBoot() {
			if err := cg.SetupDirectBoot(); err != nil {
				return fmt.Errorf("netplay: direct boot instance %d: %w", i, err)
			}
		}
	}
	return nil
}

// --- Frame driver ---

// RunFrame applies buffered inputs for the current frame to every
// instance, lazily spawns the instance worker fleet, rendezvouses twice
// with it (release, then collect), periodically checks for desync, and
// returns the local player's instance's scanline count.
func (s *Session) RunFrame() (int, error) {
	if !s.ring.ReadyForFrame(s.currentFrame) {
		return 0, ErrNotReady
	}
	frames := s.ring.Consume(s.currentFrame)
	for i, inst := range s.instances {
		f := frames[i]
		inst.SetKeyMask(f.KeyMask)
		if f.Touching {
			inst.SetTouchScreen(f.TouchX, f.TouchY)
		} else {
			inst.ReleaseScreen()
		}
		inst.SetLidClosed(f.LidClosed)
	}

	s.ensureWorkers()

	if err := s.brr.Wait(); err != nil {
		return 0, fmt.Errorf("netplay: frame barrier release: %w", err)
	}
	if err := s.brr.Wait(); err != nil {
		return 0, fmt.Errorf("netplay: frame barrier collect: %w", err)
	}

	frame := s.currentFrame
	if frame > 0 && frame%desyncInterval == 0 {
		s.checkDesync(frame)
	}

	local := s.scanlines[s.localID]
	s.currentFrame++
	return local, nil
}

// ensureWorkers spawns one worker per instance plus the (N+1)-party
// barrier, the first time a frame is run. Worker body mirrors the
// conductor's two rendezvous: wait to be released, check running, run the
// frame, wait again to hand scanlines back. Any worker error poisons the
// barrier so RunFrame returns the error instead of hanging forever.
func (s *Session) ensureWorkers() {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	if s.workersStarted {
		return
	}
	s.workersStarted = true
	s.scanlines = make([]int, len(s.instances))
	s.brr = barrier.New(len(s.instances) + 1)

	ctx, cancel := context.WithCancel(context.Background())
	s.grpCancel = cancel
	grp, _ := errgroup.WithContext(ctx)
	s.grp = grp
	s.running.Store(true)

	for i, inst := range s.instances {
		i, inst := i, inst
		grp.Go(func() error {
			for {
				if err := s.brr.Wait(); err != nil {
					return err
				}
				if !s.running.Load() {
					return nil
				}
				s.scanlines[i] = inst.RunFrame()
				if err := s.brr.Wait(); err != nil {
					return err
				}
			}
		})
	}

	go func() {
		if err := grp.Wait(); err != nil {
			s.brr.Poison(err)
			s.log.Printf("netplay: instance worker failed: %v", err)
		}
	}()
}

// checkDesync hashes the full fleet's state at frame, stores it, and
// broadcasts it for peers to cross-check.
func (s *Session) checkDesync(frame uint32) {
	h := s.hashFleetState()
	s.lastHash = h
	s.lastHashFrame = frame
	s.tr.Broadcast(encodeDesyncAlert(frame, h), transport.ChanControl, true)
}

// hashFleetState folds every instance's Main RAM and both CPU register files
// through a single xxHash state, in instance order, matching the memory
// regions the desync check is defined over. Every peer runs the same N
// instances in lockstep, so two desync-free peers must produce the same
// digest regardless of which instance is theirs (localID).
func (s *Session) hashFleetState() uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, inst := range s.instances {
		mh, ok := inst.(emucore.MemoryHasher)
		if !ok {
			continue
		}
		h.Write(mh.MainRAM())
		for _, r := range mh.ARM9Registers() {
			binary.LittleEndian.PutUint32(buf[:], r)
			h.Write(buf[:])
		}
		for _, r := range mh.ARM7Registers() {
			binary.LittleEndian.PutUint32(buf[:], r)
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

func (s *Session) onDesyncAlert(frame uint32, remoteHash uint64) {
	if frame == s.lastHashFrame && remoteHash != s.lastHash {
		if s.onDesync != nil {
			s.onDesync(frame, s.lastHash, remoteHash)
		}
	}
}

// --- Input flow ---

// SetLocalInput stamps input with frame_num = current_frame + input_delay
// and stores it in the local player's ring slot.
func (s *Session) SetLocalInput(input inputring.Frame) inputring.Frame {
	input.FrameNum = s.currentFrame + uint32(s.inputDelay)
	s.ring.Set(s.localID, input)
	return input
}

// SendLocalInput broadcasts input on the reliable input channel. The host
// reaches every client directly; a client reaches only the host, which
// relays it on to the rest of the fleet in applyRemoteInput.
func (s *Session) SendLocalInput(input inputring.Frame) {
	s.tr.Broadcast(encodeInputFrame(input), transport.ChanPayload, true)
}

// SetRemoteInput honors the frame number already present in the message
// and overwrites whatever was at that ring slot.
func (s *Session) SetRemoteInput(playerID int, input inputring.Frame) {
	s.ring.Set(playerID, input)
}

// ReadyForFrame reports whether every player's ring slot for f is ready.
func (s *Session) ReadyForFrame(f uint32) bool { return s.ring.ReadyForFrame(f) }

// LocalPlayerID returns this session's own player id.
func (s *Session) LocalPlayerID() int { return s.localID }

// CurrentFrame returns the frame the next RunFrame call will consume.
func (s *Session) CurrentFrame() uint32 { return s.currentFrame }

// --- Network thread ---

func (s *Session) startNetThread() {
	s.netRunning.Store(true)
	s.netWg.Add(1)
	go s.netThreadFunc()
}

func (s *Session) netThreadFunc() {
	defer s.netWg.Done()
	for s.netRunning.Load() {
		s.tr.Poll(s.handleTransportEvent, 0)
		time.Sleep(500 * time.Microsecond)
	}
}

func (s *Session) handleTransportEvent(e transport.Event) {
	switch e.Kind {
	case transport.EventConnect:
		if s.isHost {
			s.hostOnConnect(e.PeerIdx)
		}
	case transport.EventDisconnect:
		s.onPeerDisconnect(e.PeerIdx)
	case transport.EventData:
		if e.Channel == transport.ChanPayload {
			s.onInputData(e.PeerIdx, e.Data)
		} else {
			s.onControlData(e.PeerIdx, e.Data)
		}
	}
}

func (s *Session) onInputData(peerIdx int, data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case MsgInputFrame:
		f, err := decodeInputFrame(data)
		if err != nil {
			return
		}
		s.applyRemoteInput(peerIdx, f)
	case MsgInputBatch:
		frames, err := decodeInputBatch(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			s.applyRemoteInput(peerIdx, f)
		}
	}
}

// applyRemoteInput sets the ring slot for whichever player peerIdx maps to
// and, on the host, relays the frame to every other connected client so a
// star topology still reaches the whole fleet.
func (s *Session) applyRemoteInput(peerIdx int, f inputring.Frame) {
	s.handshakeMu.Lock()
	playerID, known := s.peerToPlayer[peerIdx]
	s.handshakeMu.Unlock()
	if !s.isHost {
		playerID, known = 0, true // the only peer a client has is the host
	}
	if !known {
		return
	}
	s.SetRemoteInput(playerID, f)
	if s.isHost {
		s.relayInput(peerIdx, f)
	}
}

func (s *Session) relayInput(originPeer int, f inputring.Frame) {
	pkt := encodeInputFrame(f)
	s.handshakeMu.Lock()
	peers := make([]int, 0, len(s.playerToPeer))
	for _, p := range s.playerToPeer {
		peers = append(peers, p)
	}
	s.handshakeMu.Unlock()
	for _, p := range peers {
		if p == originPeer {
			continue
		}
		s.tr.SendTo(p, pkt, transport.ChanPayload, true)
	}
}

func (s *Session) onControlData(peerIdx int, data []byte) {
	if len(data) == 0 {
		return
	}
	if s.isHost {
		s.hostOnControlData(peerIdx, data)
	} else {
		s.clientOnControlData(data)
	}
}

func (s *Session) onPeerDisconnect(peerIdx int) {
	s.handshakeMu.Lock()
	id, known := s.peerToPlayer[peerIdx]
	if !s.isHost {
		id, known = 0, true
	}
	if known {
		delete(s.peerToPlayer, peerIdx)
		delete(s.playerToPeer, id)
	}
	s.handshakeMu.Unlock()
	if s.onDisconnect != nil {
		if !known {
			id = -1
		}
		s.onDisconnect(id)
	}
}

// --- Host-side handshake ---

// StartHost binds the transport, accepting up to num_players-1 clients.
func (s *Session) StartHost(romHash uint64) error {
	if !s.isHost {
		return ErrNotHost
	}
	s.romHash = romHash
	if err := s.tr.StartHost(s.port, s.numPlayers-1); err != nil {
		return err
	}
	s.startNetThread()
	return nil
}

func (s *Session) hostOnConnect(peerIdx int) {
	s.handshakeMu.Lock()
	if s.nextClientID >= s.numPlayers {
		s.handshakeMu.Unlock()
		s.tr.Disconnect(peerIdx)
		return
	}
	id := s.nextClientID
	s.nextClientID++
	s.peerToPlayer[peerIdx] = id
	s.playerToPeer[id] = peerIdx
	s.handshakeMu.Unlock()

	s.tr.SendTo(peerIdx, encodeSessionOffer(sessionOffer{
		RomHash:    s.romHash,
		NumPlayers: uint8(s.numPlayers),
		InputDelay: uint8(s.inputDelay),
	}), transport.ChanControl, true)
}

func (s *Session) hostOnControlData(peerIdx int, data []byte) {
	switch data[0] {
	case MsgSessionAccept:
		if _, err := decodeSessionAccept(data); err != nil {
			s.tr.Disconnect(peerIdx)
			return
		}
		go s.sendJoinState(peerIdx)
	case MsgSyncReady:
		s.handshakeMu.Lock()
		id, known := s.peerToPlayer[peerIdx]
		if known {
			s.syncReadyPlayers[id] = true
		}
		s.handshakeMu.Unlock()
	case MsgDesyncAlert:
		frame, hash, err := decodeDesyncAlert(data)
		if err == nil {
			s.onDesyncAlert(frame, hash)
		}
	}
}

// sendJoinState streams one savestate blob per instance, then one shared
// SRAM blob (empty when instance 0 has no SRAM), to the newly-accepted peer.
func (s *Session) sendJoinState(peerIdx int) error {
	for i, inst := range s.instances {
		ss, ok := inst.(emucore.SaveStater)
		if !ok {
			return fmt.Errorf("netplay: instance %d cannot serialize state", i)
		}
		data, err := ss.Serialize()
		if err != nil {
			return fmt.Errorf("netplay: serialize instance %d: %w", i, err)
		}
		if err := s.sendBlob(peerIdx, uint8(i), data); err != nil {
			return err
		}
	}
	var sram []byte
	if bs, ok := s.instances[0].(emucore.BatterySaver); ok && bs.HasSRAM() {
		sram = bs.GetSRAM()
	}
	return s.sendBlob(peerIdx, sramBlobType, sram)
}

func (s *Session) sendBlob(peerIdx int, blobType uint8, data []byte) error {
	if err := s.tr.SendTo(peerIdx, encodeBlobStart(blobType, uint32(len(data))), transport.ChanControl, true); err != nil {
		return err
	}
	for _, c := range blob.Chunks(data) {
		if err := s.tr.SendTo(peerIdx, encodeBlobChunk(blobType, c.Offset, c.Data), transport.ChanControl, true); err != nil {
			return err
		}
	}
	checksum := blob.Checksum(data)
	return s.tr.SendTo(peerIdx, encodeBlobEnd(blobType, checksum), transport.ChanControl, true)
}

// HostAwaitClients blocks until every expected client has completed the
// join handshake, then broadcasts StartGame and returns.
func (s *Session) HostAwaitClients(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	for {
		s.handshakeMu.Lock()
		ready := len(s.syncReadyPlayers) >= s.numPlayers-1
		s.handshakeMu.Unlock()
		if ready {
			break
		}
		select {
		case <-deadline.Done():
			return ErrHandshakeTimeout
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.tr.Broadcast(encodeStartGame(s.currentFrame, uint8(s.inputDelay)), transport.ChanControl, true)
	return nil
}

// --- Client-side handshake ---

// ClientJoinConfig supplies what StartClient needs to validate the host's
// offer and build its own mirrored instance fleet.
type ClientJoinConfig struct {
	RomHash uint64
	Factory InstanceFactory
	Parser  emucore.CartParser
	ROM     []byte
}

// StartClient connects to host, validates the session offer against
// cfg.RomHash and this session's own Init parameters, builds the local
// instance fleet, receives the streamed savestates, and blocks until the
// host broadcasts StartGame.
func (s *Session) StartClient(ctx context.Context, host string, cfg ClientJoinConfig) error {
	if err := s.tr.StartClient(ctx, host, s.port, joinTimeout); err != nil {
		return fmt.Errorf("netplay: connect: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	events := make(chan transport.Event, 64)
	go func() {
		for hsCtx.Err() == nil {
			s.tr.Poll(func(e transport.Event) { events <- e }, 10*time.Millisecond)
		}
	}()

	offer, err := s.awaitSessionOffer(hsCtx, events)
	if err != nil {
		s.tr.Stop()
		return err
	}
	if offer.RomHash != cfg.RomHash {
		s.tr.Stop()
		return ErrRomMismatch
	}
	if int(offer.NumPlayers) != s.numPlayers || int(offer.InputDelay) != s.inputDelay {
		s.tr.Stop()
		return ErrProtocolMismatch
	}

	if err := s.CreateInstances(cfg.Factory); err != nil {
		s.tr.Stop()
		return err
	}
	if err := s.LoadROM(cfg.Parser, cfg.ROM); err != nil {
		s.tr.Stop()
		return err
	}

	if err := s.tr.SendTo(0, encodeSessionAccept(0), transport.ChanControl, true); err != nil {
		s.tr.Stop()
		return fmt.Errorf("netplay: send SessionAccept: %w", err)
	}

	if err := s.receiveJoinState(hsCtx, events); err != nil {
		s.tr.Stop()
		return err
	}

	if err := s.tr.SendTo(0, encodeSyncReady(), transport.ChanControl, true); err != nil {
		s.tr.Stop()
		return fmt.Errorf("netplay: send SyncReady: %w", err)
	}

	frame, err := s.awaitStartGame(hsCtx, events)
	if err != nil {
		s.tr.Stop()
		return err
	}
	s.currentFrame = frame

	s.startNetThread()
	return nil
}

func (s *Session) awaitSessionOffer(ctx context.Context, events <-chan transport.Event) (sessionOffer, error) {
	for {
		select {
		case e := <-events:
			if e.Kind != transport.EventData || e.Channel != transport.ChanControl {
				continue
			}
			if len(e.Data) == 0 || e.Data[0] != MsgSessionOffer {
				continue
			}
			return decodeSessionOffer(e.Data)
		case <-ctx.Done():
			return sessionOffer{}, ErrHandshakeTimeout
		}
	}
}

func (s *Session) receiveJoinState(ctx context.Context, events <-chan transport.Event) error {
	expected := s.numPlayers + 1 // N savestates + one SRAM blob
	complete := 0
	for complete < expected {
		select {
		case e := <-events:
			if e.Kind != transport.EventData || e.Channel != transport.ChanControl {
				continue
			}
			if s.clientOnBlobMessage(e.Data) {
				complete++
			}
		case <-ctx.Done():
			return ErrHandshakeTimeout
		}
	}
	return nil
}

func (s *Session) awaitStartGame(ctx context.Context, events <-chan transport.Event) (uint32, error) {
	for {
		select {
		case e := <-events:
			if e.Kind != transport.EventData || e.Channel != transport.ChanControl {
				continue
			}
			if len(e.Data) == 0 || e.Data[0] != MsgStartGame {
				continue
			}
			frame, _, err := decodeStartGame(e.Data)
			return frame, err
		case <-ctx.Done():
			return 0, ErrHandshakeTimeout
		}
	}
}

func (s *Session) clientOnControlData(data []byte) {
	switch data[0] {
	case MsgDesyncAlert:
		frame, hash, err := decodeDesyncAlert(data)
		if err == nil {
			s.onDesyncAlert(frame, hash)
		}
	case MsgBlobStart, MsgBlobChunk, MsgBlobEnd:
		s.clientOnBlobMessage(data)
	}
}

// clientOnBlobMessage drives a per-blobType Receiver and, on a valid End,
// applies the completed blob to the matching instance(s). Returns true
// exactly once per blob type, on successful completion.
func (s *Session) clientOnBlobMessage(data []byte) bool {
	switch data[0] {
	case MsgBlobStart:
		blobType, totalLen, err := decodeBlobStart(data)
		if err != nil {
			return false
		}
		r := s.clientReceivers[blobType]
		if r == nil {
			r = &blob.Receiver{}
			s.clientReceivers[blobType] = r
		}
		r.OnStart(totalLen)
	case MsgBlobChunk:
		blobType, offset, chunk, err := decodeBlobChunk(data)
		if err != nil {
			return false
		}
		r := s.clientReceivers[blobType]
		if r == nil {
			return false
		}
		r.OnChunk(offset, chunk)
	case MsgBlobEnd:
		blobType, checksum, err := decodeBlobEnd(data)
		if err != nil {
			return false
		}
		r := s.clientReceivers[blobType]
		if r == nil || !r.OnEnd(checksum) {
			return false
		}
		return s.applyJoinBlob(blobType, r.Data())
	}
	return false
}

func (s *Session) applyJoinBlob(blobType uint8, data []byte) bool {
	if blobType == sramBlobType {
		for _, inst := range s.instances {
			if bs, ok := inst.(emucore.BatterySaver); ok {
				bs.SetSRAM(data)
			}
		}
		return true
	}
	if int(blobType) >= len(s.instances) {
		return false
	}
	inst := s.instances[blobType]
	if ss, ok := inst.(emucore.SaveStater); ok {
		if err := ss.Deserialize(data); err != nil {
			s.log.Printf("netplay: deserialize instance %d: %v", blobType, err)
			return false
		}
	}
	return true
}

// --- Teardown ---

// Stop wakes the instance workers by one extra barrier tick with running
// cleared, joins them, and tears down the transport.
func (s *Session) Stop() {
	s.netRunning.Store(false)
	s.netWg.Wait()

	s.workersMu.Lock()
	started := s.workersStarted
	brr := s.brr
	grp := s.grp
	cancel := s.grpCancel
	s.workersMu.Unlock()

	if started {
		s.running.Store(false)
		brr.Wait()
		grp.Wait()
		cancel()
	}
	s.tr.Stop()
}

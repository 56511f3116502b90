package netplay

import (
	"errors"
	"testing"

	"github.com/ryuto-alt/melonDS-net/emucore"
	"github.com/ryuto-alt/melonDS-net/inputring"
)

type fakeInstance struct {
	ran       int
	keyMask   uint32
	touching  bool
	touchX    uint16
	touchY    uint16
	lidClosed bool
	mainRAM   []byte
	sram      []byte
	failRun   bool
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{mainRAM: make([]byte, 16)}
}

func (f *fakeInstance) RunFrame() int {
	if f.failRun {
		panic("fakeInstance: RunFrame should not be called once poisoned")
	}
	f.ran++
	return 263
}
func (f *fakeInstance) SetKeyMask(mask uint32)          { f.keyMask = mask }
func (f *fakeInstance) SetTouchScreen(x, y uint16)      { f.touching, f.touchX, f.touchY = true, x, y }
func (f *fakeInstance) ReleaseScreen()                  { f.touching = false }
func (f *fakeInstance) SetLidClosed(closed bool)        { f.lidClosed = closed }
func (f *fakeInstance) Reset()                          {}
func (f *fakeInstance) Serialize() ([]byte, error)      { return append([]byte{}, f.mainRAM...), nil }
func (f *fakeInstance) Deserialize(b []byte) error      { f.mainRAM = append([]byte{}, b...); return nil }
func (f *fakeInstance) HasSRAM() bool                   { return f.sram != nil }
func (f *fakeInstance) GetSRAM() []byte                 { return f.sram }
func (f *fakeInstance) SetSRAM(b []byte)                { f.sram = append([]byte{}, b...) }
func (f *fakeInstance) MainRAM() []byte                 { return f.mainRAM }
func (f *fakeInstance) ARM9Registers() []uint32         { return []uint32{1, 2, 3} }
func (f *fakeInstance) ARM7Registers() []uint32         { return []uint32{4, 5, 6} }
func (f *fakeInstance) SetSoundPower(on bool)            {}

var errFakeRun = errors.New("fake instance run failure")

func newSingleInstanceSession(t *testing.T) (*Session, *fakeInstance) {
	t.Helper()
	s := New(Config{})
	if err := s.Init(0, 1, 1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	inst := newFakeInstance()
	if err := s.CreateInstances(func() (emucore.Instance, error) { return inst, nil }); err != nil {
		t.Fatalf("CreateInstances: %v", err)
	}
	return s, inst
}

func TestRunFrameAdvancesAndReturnsScanlines(t *testing.T) {
	s, inst := newSingleInstanceSession(t)
	defer s.Stop()

	if !s.ReadyForFrame(0) {
		t.Fatal("frame 0 should be ready immediately with input_delay=1's prefill")
	}

	scan, err := s.RunFrame()
	if err != nil {
		t.Fatalf("RunFrame: %v", err)
	}
	if scan != 263 {
		t.Errorf("scan = %d, want 263", scan)
	}
	if inst.ran != 1 {
		t.Errorf("instance ran %d times, want 1", inst.ran)
	}
	if s.CurrentFrame() != 1 {
		t.Errorf("CurrentFrame = %d, want 1", s.CurrentFrame())
	}
}

func TestRunFrameNotReadyReturnsError(t *testing.T) {
	s := New(Config{})
	if err := s.Init(0, 2, 4); err != nil {
		t.Fatalf("Init: %v", err)
	}
	insts := []*fakeInstance{newFakeInstance(), newFakeInstance()}
	i := 0
	if err := s.CreateInstances(func() (emucore.Instance, error) {
		inst := insts[i]
		i++
		return inst, nil
	}); err != nil {
		t.Fatalf("CreateInstances: %v", err)
	}
	defer s.Stop()

	// input_delay=4 prefills frames [0,4); frame 4 needs player 1's input,
	// which nobody has supplied yet.
	if s.ReadyForFrame(4) {
		t.Fatal("frame 4 should not be ready without player 1's input")
	}
	s.currentFrame = 4
	if _, err := s.RunFrame(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("RunFrame on an unready frame = %v, want ErrNotReady", err)
	}
	s.SetRemoteInput(0, inputring.Frame{FrameNum: 4})
	if s.ReadyForFrame(4) {
		t.Fatal("frame 4 should still not be ready with only player 0 set")
	}
	s.SetRemoteInput(1, inputring.Frame{FrameNum: 4})
	if !s.ReadyForFrame(4) {
		t.Fatal("frame 4 should be ready once both players are set")
	}
}

func TestSetLocalInputStampsDelayedFrame(t *testing.T) {
	s, _ := newSingleInstanceSession(t)
	defer s.Stop()
	s.inputDelay = 4
	stamped := s.SetLocalInput(inputring.Frame{KeyMask: 0x7FF})
	if stamped.FrameNum != 4 {
		t.Errorf("FrameNum = %d, want 4", stamped.FrameNum)
	}
	if !s.ring.ReadyForFrame(4) {
		t.Fatal("frame 4 should be ready after SetLocalInput")
	}
}

func TestWorkerFailurePoisonsBarrierAndSurfacesError(t *testing.T) {
	s := New(Config{})
	if err := s.Init(0, 1, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	inst := newFakeInstance()
	if err := s.CreateInstances(func() (emucore.Instance, error) { return inst, nil }); err != nil {
		t.Fatalf("CreateInstances: %v", err)
	}

	// Force the worker to fail on its next RunFrame by having the barrier
	// itself fail: simulate failure by poisoning the barrier directly after
	// the first successful frame, standing in for a worker panic/error path
	// that this harness cannot trigger without a real panic recovery layer.
	if _, err := s.RunFrame(); err != nil {
		t.Fatalf("first RunFrame: %v", err)
	}
	s.brr.Poison(errFakeRun)

	if _, err := s.RunFrame(); err == nil {
		t.Fatal("RunFrame should surface the poisoning error instead of hanging")
	}
	s.tr.Stop()
}

func TestDesyncCallbackFiresOnHashMismatch(t *testing.T) {
	s, _ := newSingleInstanceSession(t)
	defer s.Stop()

	s.lastHash = 42
	s.lastHashFrame = 120

	var gotFrame uint32
	var gotLocal, gotRemote uint64
	fired := 0
	s.OnDesync(func(frame uint32, local, remote uint64) {
		fired++
		gotFrame, gotLocal, gotRemote = frame, local, remote
	})

	s.onDesyncAlert(120, 99)
	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	if gotFrame != 120 || gotLocal != 42 || gotRemote != 99 {
		t.Errorf("got (%d,%d,%d), want (120,42,99)", gotFrame, gotLocal, gotRemote)
	}

	s.onDesyncAlert(121, 99) // different frame, must not fire
	if fired != 1 {
		t.Errorf("callback fired again for a non-matching frame")
	}
}

func TestWireRoundTripInputFrame(t *testing.T) {
	f := inputring.Frame{FrameNum: 7, KeyMask: 0x7FF, Touching: true, TouchX: 10, TouchY: 20, LidClosed: false}
	got, err := decodeInputFrame(encodeInputFrame(f))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != f {
		t.Errorf("got %+v, want %+v", got, f)
	}
}

func TestWireRoundTripSessionOffer(t *testing.T) {
	o := sessionOffer{RomHash: 0xDEADBEEF, NumPlayers: 3, InputDelay: 4}
	got, err := decodeSessionOffer(encodeSessionOffer(o))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != o {
		t.Errorf("got %+v, want %+v", got, o)
	}
}

func TestWireRoundTripBlobMessages(t *testing.T) {
	blobType, totalLen, err := decodeBlobStart(encodeBlobStart(2, 4096))
	if err != nil || blobType != 2 || totalLen != 4096 {
		t.Errorf("BlobStart round trip = (%d,%d,%v)", blobType, totalLen, err)
	}
	bt, off, data, err := decodeBlobChunk(encodeBlobChunk(2, 128, []byte("hello")))
	if err != nil || bt != 2 || off != 128 || string(data) != "hello" {
		t.Errorf("BlobChunk round trip = (%d,%d,%q,%v)", bt, off, data, err)
	}
	bt2, checksum, err := decodeBlobEnd(encodeBlobEnd(2, 999))
	if err != nil || bt2 != 2 || checksum != 999 {
		t.Errorf("BlobEnd round trip = (%d,%d,%v)", bt2, checksum, err)
	}
}

func TestApplyJoinBlobAppliesSavestateAndSRAM(t *testing.T) {
	s := New(Config{})
	if err := s.Init(1, 2, 4); err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, b := newFakeInstance(), newFakeInstance()
	instances := []*fakeInstance{a, b}
	i := 0
	if err := s.CreateInstances(func() (emucore.Instance, error) {
		inst := instances[i]
		i++
		return inst, nil
	}); err != nil {
		t.Fatalf("CreateInstances: %v", err)
	}

	if !s.applyJoinBlob(0, []byte("state-a")) {
		t.Fatal("applyJoinBlob for instance 0 should succeed")
	}
	if string(a.mainRAM) != "state-a" {
		t.Errorf("instance 0 mainRAM = %q, want state-a", a.mainRAM)
	}
	if !s.applyJoinBlob(sramBlobType, []byte("sram-data")) {
		t.Fatal("applyJoinBlob for SRAM should succeed")
	}
	if string(a.sram) != "sram-data" || string(b.sram) != "sram-data" {
		t.Errorf("SRAM not applied to both instances: a=%q b=%q", a.sram, b.sram)
	}
}

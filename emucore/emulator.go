// Package emucore defines the black-box contract that the netplay and LAN
// packages use to drive an emulator instance without depending on any
// particular core implementation.
package emucore

// Instance is a single running emulator core. Netplay drives N of these in
// lockstep; LAN play drives exactly one.
type Instance interface {
	// RunFrame advances the instance by one frame and returns the number of
	// scanlines actually rendered (cores may render a partial frame when
	// paused mid-scanline by the host application).
	RunFrame() int

	// SetKeyMask sets the currently-held button bitmask for the next frame.
	SetKeyMask(mask uint32)

	// SetTouchScreen reports a stylus/touch position for the next frame.
	SetTouchScreen(x, y uint16)

	// ReleaseScreen clears any touch/stylus state for the next frame.
	ReleaseScreen()

	// SetLidClosed reports the clamshell lid state for the next frame.
	SetLidClosed(closed bool)

	// Reset reinitializes the instance to power-on state with its current cart.
	Reset()
}

// SaveStater serializes and restores the full emulator state, excluding
// rendered pixel data.
type SaveStater interface {
	Serialize() ([]byte, error)
	Deserialize(data []byte) error
}

// BatterySaver exposes an instance's battery-backed save memory.
type BatterySaver interface {
	HasSRAM() bool
	GetSRAM() []byte
	SetSRAM(data []byte)
}

// MemoryHasher exposes the memory regions that participate in desync
// detection: main RAM plus both CPU register files.
type MemoryHasher interface {
	MainRAM() []byte
	ARM9Registers() []uint32
	ARM7Registers() []uint32
}

// SoundPower lets a session mute/unmute an instance's audio mixer output
// while still running the sound engine for timing fidelity.
type SoundPower interface {
	SetSoundPower(on bool)
}

// Cart is an opaque, independently-instantiable ROM handle. Each netplay
// instance needs its own Cart parsed from the same ROM bytes because a cart
// owns mutable SRAM that must not be shared between instances.
type Cart interface {
	// NeedsDirectBoot reports whether this cart requires bypassing the
	// system BIOS boot path (e.g. homebrew without a valid firmware image).
	NeedsDirectBoot() bool
}

// CartParser produces independent Cart instances from the same ROM bytes.
type CartParser interface {
	ParseROM(rom []byte) (Cart, error)
}

// Cartridge is implemented by an Instance that can own a Cart, load it, and
// optionally direct-boot it.
type Cartridge interface {
	SetCart(cart Cart) error
	SetupDirectBoot() error
}

// Package roster holds the Player data model used by the LAN session's
// mesh roster.
package roster

import (
	"net"

	"github.com/ryuto-alt/melonDS-net/wire"
)

// Status is a roster slot's lifecycle state. Transitions are monotone along
// None -> Connecting -> Client -> Disconnected; a Host entry begins at
// Host and ends at Disconnected.
type Status uint8

const (
	StatusNone Status = iota
	StatusClient
	StatusHost
	StatusConnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusClient:
		return "client"
	case StatusHost:
		return "host"
	case StatusConnecting:
		return "connecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MaxPlayers is the largest roster size the LAN session supports.
const MaxPlayers = 16

// NameSize is the fixed wire width of Player.Name, including the
// terminating zero.
const NameSize = 32

// WireSize is the fixed on-wire size of a Player record:
// name(32) + id(1) + status(1) + address(4) + ping(4) + islocal(1).
const WireSize = NameSize + 1 + 1 + 4 + 4 + 1

// Player is one roster entry.
type Player struct {
	ID            uint8
	Name          string
	Status        Status
	Address       net.IP // IPv4; loopback for the local entry
	Ping          uint32 // ms, round-trip, refreshed ~once per second
	IsLocalPlayer bool
}

// Clamp trims Name to 31 bytes so it fits the zero-terminated 32-byte wire
// field.
func (p *Player) Clamp() {
	if len(p.Name) > NameSize-1 {
		p.Name = p.Name[:NameSize-1]
	}
}

// Encode writes the fixed WireSize representation of p.
func (p Player) Encode() []byte {
	w := wire.NewWriter(WireSize)
	w.FixedString(p.Name, NameSize)
	w.U8(p.ID)
	w.U8(uint8(p.Status))
	var addr [4]byte
	if ip4 := p.Address.To4(); ip4 != nil {
		copy(addr[:], ip4)
	}
	w.Raw(addr[:])
	w.U32(p.Ping)
	local := uint8(0)
	if p.IsLocalPlayer {
		local = 1
	}
	w.U8(local)
	return w.Bytes()
}

// DecodePlayer reads a single fixed WireSize Player record.
func DecodePlayer(r *wire.Reader) Player {
	var p Player
	p.Name = r.FixedString(NameSize)
	p.ID = r.U8()
	p.Status = Status(r.U8())
	addr := r.Bytes(4)
	if addr != nil {
		p.Address = net.IPv4(addr[0], addr[1], addr[2], addr[3])
	}
	p.Ping = r.U32()
	p.IsLocalPlayer = r.U8() != 0
	return p
}

// Roster is the mutex-free value type backing a LAN session's player
// table; callers outside package lan are expected to only read copies
// returned by lan.Session.Roster, never to hold a live reference across a
// network-thread mutation.
type Roster struct {
	Players    [MaxPlayers]Player
	NumPlayers int
}

// Count reports how many slots currently hold a live (Client or Host)
// player, matching the session invariant
// |{i : Players[i].Status in {Client, Host}}| == NumPlayers.
func (r *Roster) Count() int {
	n := 0
	for i := range r.Players {
		if r.Players[i].Status == StatusClient || r.Players[i].Status == StatusHost {
			n++
		}
	}
	return n
}

// LowestFreeSlot returns the smallest index in [0, max) whose status is
// None or Disconnected, and ok=false if none exists.
func (r *Roster) LowestFreeSlot(max int) (int, bool) {
	for i := 0; i < max && i < MaxPlayers; i++ {
		switch r.Players[i].Status {
		case StatusNone, StatusDisconnected:
			return i, true
		}
	}
	return 0, false
}

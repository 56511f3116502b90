package roster

import (
	"net"
	"strings"
	"testing"

	"github.com/ryuto-alt/melonDS-net/wire"
)

func TestPlayerEncodeClampsOverlongName(t *testing.T) {
	p := Player{Name: strings.Repeat("x", 50)}
	p.Clamp()
	if len(p.Name) != NameSize-1 {
		t.Errorf("len(Name) = %d, want %d", len(p.Name), NameSize-1)
	}
}

func TestPlayerRoundTrip(t *testing.T) {
	p := Player{
		ID:            3,
		Name:          "alice",
		Status:        StatusClient,
		Address:       net.IPv4(192, 168, 1, 42),
		Ping:          37,
		IsLocalPlayer: true,
	}
	got := DecodePlayer(wire.NewReader(p.Encode()))
	if got.ID != p.ID || got.Name != p.Name || got.Status != p.Status || got.Ping != p.Ping || got.IsLocalPlayer != p.IsLocalPlayer {
		t.Errorf("got %+v, want %+v", got, p)
	}
	if !got.Address.Equal(p.Address) {
		t.Errorf("Address = %v, want %v", got.Address, p.Address)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusNone:         "none",
		StatusClient:       "client",
		StatusHost:         "host",
		StatusConnecting:   "connecting",
		StatusDisconnected: "disconnected",
		Status(99):         "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

func TestRosterCount(t *testing.T) {
	var r Roster
	r.Players[0] = Player{Status: StatusHost}
	r.Players[1] = Player{Status: StatusClient}
	r.Players[2] = Player{Status: StatusDisconnected}
	r.Players[3] = Player{Status: StatusNone}
	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestRosterLowestFreeSlot(t *testing.T) {
	var r Roster
	r.Players[0] = Player{Status: StatusHost}
	r.Players[1] = Player{Status: StatusDisconnected}
	r.Players[2] = Player{Status: StatusClient}

	idx, ok := r.LowestFreeSlot(MaxPlayers)
	if !ok || idx != 1 {
		t.Errorf("LowestFreeSlot = (%d, %v), want (1, true)", idx, ok)
	}
}

func TestRosterLowestFreeSlotNoneWithinBound(t *testing.T) {
	var r Roster
	for i := 0; i < 3; i++ {
		r.Players[i] = Player{Status: StatusClient}
	}
	if _, ok := r.LowestFreeSlot(3); ok {
		t.Error("LowestFreeSlot within a fully-occupied bound should report ok=false")
	}
}

package lan

import (
	"net"
	"testing"

	"github.com/ryuto-alt/melonDS-net/roster"
)

func TestMPHeaderRoundTrip(t *testing.T) {
	body := []byte("payload")
	h := mpHeader{Magic: mpMagic, SenderID: 3, Type: replyType(7), Length: uint32(len(body)), Timestamp: 0xAABBCCDD}
	got, gotBody, err := decodeMPHeader(encodeMPHeader(h, body))
	if err != nil {
		t.Fatalf("decodeMPHeader: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
	if string(gotBody) != string(body) {
		t.Errorf("body = %q, want %q", gotBody, body)
	}
	if baseType(got.Type) != TypeReply {
		t.Errorf("baseType = %d, want %d", baseType(got.Type), TypeReply)
	}
	if replyAID(got.Type) != 7 {
		t.Errorf("replyAID = %d, want 7", replyAID(got.Type))
	}
}

func TestDecodeMPHeaderRejectsBadMagic(t *testing.T) {
	h := mpHeader{Magic: 0xDEADBEEF, SenderID: 1, Type: TypeNormal, Length: 0}
	if _, _, err := decodeMPHeader(encodeMPHeader(h, nil)); err == nil {
		t.Fatal("expected an error for a bad magic value")
	}
}

func TestDecodeMPHeaderRejectsShortBuffer(t *testing.T) {
	if _, _, err := decodeMPHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a too-short buffer")
	}
}

func TestClientInitRoundTrip(t *testing.T) {
	got, err := decodeClientInit(encodeClientInit(5, 8))
	if err != nil {
		t.Fatalf("decodeClientInit: %v", err)
	}
	if got.AssignedID != 5 || got.MaxPlayers != 8 {
		t.Errorf("got %+v, want {5 8}", got)
	}
}

func TestClientInitRejectsOversizedMaxPlayers(t *testing.T) {
	if _, err := decodeClientInit(encodeClientInit(0, roster.MaxPlayers+1)); err == nil {
		t.Fatal("expected an error when max_players exceeds roster.MaxPlayers")
	}
}

func TestPlayerInfoRoundTrip(t *testing.T) {
	p := roster.Player{ID: 2, Name: "host", Status: roster.StatusHost, Address: net.IPv4(10, 0, 0, 1), Ping: 12}
	got, err := decodePlayerInfo(encodePlayerInfo(p))
	if err != nil {
		t.Fatalf("decodePlayerInfo: %v", err)
	}
	if got.ID != p.ID || got.Name != p.Name || got.Status != p.Status || got.Ping != p.Ping {
		t.Errorf("got %+v, want %+v", got, p)
	}
	if !got.Address.Equal(p.Address) {
		t.Errorf("Address = %v, want %v", got.Address, p.Address)
	}
}

func TestPlayerListRoundTrip(t *testing.T) {
	var players [roster.MaxPlayers]roster.Player
	players[0] = roster.Player{ID: 0, Name: "a", Status: roster.StatusHost}
	players[1] = roster.Player{ID: 1, Name: "b", Status: roster.StatusClient}
	num, out, err := decodePlayerList(encodePlayerList(2, players))
	if err != nil {
		t.Fatalf("decodePlayerList: %v", err)
	}
	if num != 2 {
		t.Errorf("num = %d, want 2", num)
	}
	if out[0].Name != "a" || out[1].Name != "b" {
		t.Errorf("out = %+v", out[:2])
	}
}

func TestTimestampValidHandlesWraparound(t *testing.T) {
	cases := []struct {
		name     string
		packetTS uint64
		expected uint64
		want     bool
	}{
		{"exact match", 1000, 1000, true},
		{"slightly behind", 999, 1000, true},
		{"far behind", 100, 2000000, false},
		{"ahead", 2000, 1000, true},
		{"wraps below zero", 0, 1 << 20, true},
		{"wraps past tolerance", 0, (1 << 20) + 1, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := timestampValid(c.packetTS, c.expected); got != c.want {
				t.Errorf("timestampValid(%d, %d) = %v, want %v", c.packetTS, c.expected, got, c.want)
			}
		})
	}
}

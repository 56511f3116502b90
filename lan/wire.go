package lan

import (
	"fmt"

	"github.com/ryuto-alt/melonDS-net/roster"
	"github.com/ryuto-alt/melonDS-net/wire"
)

// Control-channel preamble and opcodes.
const (
	controlMagic   = 0x504E414C // "LANP"
	controlVersion = 1

	opClientInit        = 1
	opPlayerInfo        = 2
	opPlayerList        = 3
	opPlayerConnect     = 4
	opPlayerDisconnect  = 5
)

// MP header magic, reused (post-validation) as the receive-tick slot.
const mpMagic = 0x4946494E // "NIFI"

// MP packet types. Reply packets pack the acknowledger's player id into
// the upper 16 bits: Type = TypeReply | (aid << 16).
const (
	TypeNormal = 0
	TypeCmd    = 1
	TypeReply  = 2
	TypeAck    = 3
)

func replyType(aid uint8) uint32 {
	return TypeReply | uint32(aid)<<16
}

func baseType(t uint32) uint32 {
	return t & 0xFFFF
}

func replyAID(t uint32) uint8 {
	return uint8(t >> 16)
}

// mpHeaderSize is the wire size of an MP packet header: magic(4) +
// sender_id(4) + type(4) + length(4) + timestamp(8). The "18-byte header"
// phrasing elsewhere refers to the struct's in-memory packing in the
// original source; the field-by-field wire contract below is authoritative
// since the Reply type's aid<<16 encoding requires a 4-byte type field.
const mpHeaderSize = 4 + 4 + 4 + 4 + 8

type mpHeader struct {
	Magic     uint32
	SenderID  uint32
	Type      uint32
	Length    uint32
	Timestamp uint64
}

func encodeMPHeader(h mpHeader, body []byte) []byte {
	w := wire.NewWriter(mpHeaderSize + len(body))
	w.U32(h.Magic)
	w.U32(h.SenderID)
	w.U32(h.Type)
	w.U32(h.Length)
	w.U64(h.Timestamp)
	w.Raw(body)
	return w.Bytes()
}

func decodeMPHeader(buf []byte) (mpHeader, []byte, error) {
	if len(buf) < mpHeaderSize {
		return mpHeader{}, nil, fmt.Errorf("lan: short MP packet, %d < %d bytes", len(buf), mpHeaderSize)
	}
	r := wire.NewReader(buf)
	h := mpHeader{
		Magic:     r.U32(),
		SenderID:  r.U32(),
		Type:      r.U32(),
		Length:    r.U32(),
		Timestamp: r.U64(),
	}
	if r.Err() != nil {
		return mpHeader{}, nil, r.Err()
	}
	if h.Magic != mpMagic {
		return mpHeader{}, nil, fmt.Errorf("lan: bad MP magic %#x", h.Magic)
	}
	body := r.Remaining()
	if uint32(len(body)) < h.Length {
		return mpHeader{}, nil, fmt.Errorf("lan: MP body shorter than declared length")
	}
	return h, body[:h.Length], nil
}

// --- LAN control messages ---

func encodeClientInit(assignedID, maxPlayers uint8) []byte {
	w := wire.NewWriter(11)
	w.U8(opClientInit)
	w.U32(controlMagic)
	w.U32(controlVersion)
	w.U8(assignedID)
	w.U8(maxPlayers)
	return w.Bytes()
}

type clientInitMsg struct {
	AssignedID uint8
	MaxPlayers uint8
}

func decodeClientInit(buf []byte) (clientInitMsg, error) {
	if len(buf) < 1 || buf[0] != opClientInit {
		return clientInitMsg{}, fmt.Errorf("lan: expected ClientInit opcode")
	}
	r := wire.NewReader(buf[1:])
	magic := r.U32()
	version := r.U32()
	id := r.U8()
	max := r.U8()
	if r.Err() != nil {
		return clientInitMsg{}, r.Err()
	}
	if magic != controlMagic {
		return clientInitMsg{}, fmt.Errorf("lan: bad control magic %#x", magic)
	}
	if version != controlVersion {
		return clientInitMsg{}, fmt.Errorf("lan: unsupported control version %d", version)
	}
	if max > roster.MaxPlayers {
		return clientInitMsg{}, fmt.Errorf("lan: max_players %d > %d", max, roster.MaxPlayers)
	}
	return clientInitMsg{AssignedID: id, MaxPlayers: max}, nil
}

func encodePlayerInfo(p roster.Player) []byte {
	w := wire.NewWriter(9 + roster.WireSize)
	w.U8(opPlayerInfo)
	w.U32(controlMagic)
	w.U32(controlVersion)
	w.Raw(p.Encode())
	return w.Bytes()
}

func decodePlayerInfo(buf []byte) (roster.Player, error) {
	if len(buf) < 1 || buf[0] != opPlayerInfo {
		return roster.Player{}, fmt.Errorf("lan: expected PlayerInfo opcode")
	}
	r := wire.NewReader(buf[1:])
	magic := r.U32()
	version := r.U32()
	if magic != controlMagic || version != controlVersion {
		return roster.Player{}, fmt.Errorf("lan: bad PlayerInfo preamble")
	}
	p := roster.DecodePlayer(r)
	if r.Err() != nil {
		return roster.Player{}, r.Err()
	}
	return p, nil
}

func encodePlayerList(numPlayers uint8, players [roster.MaxPlayers]roster.Player) []byte {
	w := wire.NewWriter(2 + roster.MaxPlayers*roster.WireSize)
	w.U8(opPlayerList)
	w.U8(numPlayers)
	for i := range players {
		w.Raw(players[i].Encode())
	}
	return w.Bytes()
}

func decodePlayerList(buf []byte) (uint8, [roster.MaxPlayers]roster.Player, error) {
	var out [roster.MaxPlayers]roster.Player
	if len(buf) < 1 || buf[0] != opPlayerList {
		return 0, out, fmt.Errorf("lan: expected PlayerList opcode")
	}
	r := wire.NewReader(buf[1:])
	num := r.U8()
	for i := range out {
		out[i] = roster.DecodePlayer(r)
	}
	if r.Err() != nil {
		return 0, out, r.Err()
	}
	return num, out, nil
}

func encodeSimple(op uint8) []byte { return []byte{op} }

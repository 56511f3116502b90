package netplay

import (
	"fmt"

	"github.com/ryuto-alt/melonDS-net/inputring"
	"github.com/ryuto-alt/melonDS-net/wire"
)

// Netplay control-channel message types (first byte on channel 0).
const (
	MsgSessionOffer  = 0x10
	MsgSessionAccept = 0x11
	MsgBlobStart     = 0x12
	MsgBlobChunk     = 0x13
	MsgBlobEnd       = 0x14
	MsgSyncReady     = 0x15
	MsgStartGame     = 0x16
	MsgDesyncAlert   = 0x20
	MsgDisconnect    = 0xFF
)

// Netplay input-channel message types (first byte on channel 1).
const (
	MsgInputFrame = 0x30
	MsgInputBatch = 0x31
)

// sramBlobType is the blob type tag for the single shared SRAM transfer,
// distinct from any instance index (0..MaxPlayers-1).
const sramBlobType = 0xFF

type sessionOffer struct {
	RomHash    uint64
	NumPlayers uint8
	InputDelay uint8
}

func encodeSessionOffer(o sessionOffer) []byte {
	w := wire.NewWriter(1 + 8 + 1 + 1)
	w.U8(MsgSessionOffer)
	w.U64(o.RomHash)
	w.U8(o.NumPlayers)
	w.U8(o.InputDelay)
	return w.Bytes()
}

func decodeSessionOffer(buf []byte) (sessionOffer, error) {
	if len(buf) < 1 || buf[0] != MsgSessionOffer {
		return sessionOffer{}, fmt.Errorf("netplay: expected SessionOffer")
	}
	r := wire.NewReader(buf[1:])
	o := sessionOffer{RomHash: r.U64(), NumPlayers: r.U8(), InputDelay: r.U8()}
	if r.Err() != nil {
		return sessionOffer{}, r.Err()
	}
	return o, nil
}

func encodeSessionAccept(placeholderID uint8) []byte {
	w := wire.NewWriter(2)
	w.U8(MsgSessionAccept)
	w.U8(placeholderID)
	return w.Bytes()
}

func decodeSessionAccept(buf []byte) (uint8, error) {
	if len(buf) < 1 || buf[0] != MsgSessionAccept {
		return 0, fmt.Errorf("netplay: expected SessionAccept")
	}
	r := wire.NewReader(buf[1:])
	id := r.U8()
	if r.Err() != nil {
		return 0, r.Err()
	}
	return id, nil
}

func encodeBlobStart(blobType uint8, totalLen uint32) []byte {
	w := wire.NewWriter(1 + 1 + 4)
	w.U8(MsgBlobStart)
	w.U8(blobType)
	w.U32(totalLen)
	return w.Bytes()
}

func decodeBlobStart(buf []byte) (blobType uint8, totalLen uint32, err error) {
	if len(buf) < 1 || buf[0] != MsgBlobStart {
		return 0, 0, fmt.Errorf("netplay: expected BlobStart")
	}
	r := wire.NewReader(buf[1:])
	blobType = r.U8()
	totalLen = r.U32()
	if r.Err() != nil {
		return 0, 0, r.Err()
	}
	return blobType, totalLen, nil
}

func encodeBlobChunk(blobType uint8, offset uint32, data []byte) []byte {
	w := wire.NewWriter(1 + 1 + 4 + len(data))
	w.U8(MsgBlobChunk)
	w.U8(blobType)
	w.U32(offset)
	w.Raw(data)
	return w.Bytes()
}

func decodeBlobChunk(buf []byte) (blobType uint8, offset uint32, data []byte, err error) {
	if len(buf) < 1 || buf[0] != MsgBlobChunk {
		return 0, 0, nil, fmt.Errorf("netplay: expected BlobChunk")
	}
	r := wire.NewReader(buf[1:])
	blobType = r.U8()
	offset = r.U32()
	data = r.Remaining()
	if r.Err() != nil {
		return 0, 0, nil, r.Err()
	}
	return blobType, offset, data, nil
}

func encodeBlobEnd(blobType uint8, checksum uint32) []byte {
	w := wire.NewWriter(1 + 1 + 4)
	w.U8(MsgBlobEnd)
	w.U8(blobType)
	w.U32(checksum)
	return w.Bytes()
}

func decodeBlobEnd(buf []byte) (blobType uint8, checksum uint32, err error) {
	if len(buf) < 1 || buf[0] != MsgBlobEnd {
		return 0, 0, fmt.Errorf("netplay: expected BlobEnd")
	}
	r := wire.NewReader(buf[1:])
	blobType = r.U8()
	checksum = r.U32()
	if r.Err() != nil {
		return 0, 0, r.Err()
	}
	return blobType, checksum, nil
}

func encodeSyncReady() []byte { return []byte{MsgSyncReady} }

func encodeStartGame(frame uint32, inputDelay uint8) []byte {
	w := wire.NewWriter(1 + 4 + 1)
	w.U8(MsgStartGame)
	w.U32(frame)
	w.U8(inputDelay)
	return w.Bytes()
}

func decodeStartGame(buf []byte) (frame uint32, inputDelay uint8, err error) {
	if len(buf) < 1 || buf[0] != MsgStartGame {
		return 0, 0, fmt.Errorf("netplay: expected StartGame")
	}
	r := wire.NewReader(buf[1:])
	frame = r.U32()
	inputDelay = r.U8()
	if r.Err() != nil {
		return 0, 0, r.Err()
	}
	return frame, inputDelay, nil
}

func encodeDesyncAlert(frame uint32, hash uint64) []byte {
	w := wire.NewWriter(1 + 4 + 8)
	w.U8(MsgDesyncAlert)
	w.U32(frame)
	w.U64(hash)
	return w.Bytes()
}

func decodeDesyncAlert(buf []byte) (frame uint32, hash uint64, err error) {
	if len(buf) < 1 || buf[0] != MsgDesyncAlert {
		return 0, 0, fmt.Errorf("netplay: expected DesyncAlert")
	}
	r := wire.NewReader(buf[1:])
	frame = r.U32()
	hash = r.U64()
	if r.Err() != nil {
		return 0, 0, r.Err()
	}
	return frame, hash, nil
}

func encodeDisconnect(reason uint8) []byte {
	return []byte{MsgDisconnect, reason}
}

func encodeInputFrame(f inputring.Frame) []byte {
	w := wire.NewWriter(1 + inputring.WireSize)
	w.U8(MsgInputFrame)
	w.Raw(f.Encode())
	return w.Bytes()
}

func decodeInputFrame(buf []byte) (inputring.Frame, error) {
	if len(buf) < 1 || buf[0] != MsgInputFrame {
		return inputring.Frame{}, fmt.Errorf("netplay: expected InputFrame")
	}
	r := wire.NewReader(buf[1:])
	f := inputring.Decode(r)
	if r.Err() != nil {
		return inputring.Frame{}, r.Err()
	}
	return f, nil
}

func encodeInputBatch(frames []inputring.Frame) []byte {
	w := wire.NewWriter(1 + 1 + len(frames)*inputring.WireSize)
	w.U8(MsgInputBatch)
	w.U8(uint8(len(frames)))
	for _, f := range frames {
		w.Raw(f.Encode())
	}
	return w.Bytes()
}

func decodeInputBatch(buf []byte) ([]inputring.Frame, error) {
	if len(buf) < 1 || buf[0] != MsgInputBatch {
		return nil, fmt.Errorf("netplay: expected InputBatch")
	}
	r := wire.NewReader(buf[1:])
	count := r.U8()
	out := make([]inputring.Frame, count)
	for i := range out {
		out[i] = inputring.Decode(r)
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return out, nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/1ureka/adblink/internal/structs"
)

// Header is the 24-byte packet header.
var Header = structs.New(binary.LittleEndian).
	Uint32("command").
	Uint32("arg0").
	Uint32("arg1").
	Uint32("payloadLength").
	Uint32("checksum").
	Uint32("magic")

// frame is the header followed by its payload; serializing through it keeps
// payloadLength equal to the real payload size.
var frame = structs.New(binary.LittleEndian).
	Uint32("command").
	Uint32("arg0").
	Uint32("arg1").
	Uint32("payloadLength").
	Uint32("checksum").
	Uint32("magic").
	Bytes("payload", "payloadLength")

// Checksum is the sum of all payload bytes mod 2^32.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Encode serializes a packet. The checksum field is zero unless withChecksum
// is set.
func Encode(pkt *Packet, withChecksum bool) ([]byte, error) {
	var sum uint32
	if withChecksum {
		sum = Checksum(pkt.Payload)
	}
	return frame.Serialize(map[string]any{
		"command":  uint32(pkt.Command),
		"arg0":     pkt.Arg0,
		"arg1":     pkt.Arg1,
		"checksum": sum,
		"magic":    ^uint32(pkt.Command),
		"payload":  pkt.Payload,
	})
}

// ReadPacket reads one header and its payload from r. When verifyChecksum is
// set a non-zero header checksum must match the payload; zero means the
// sender did not compute one.
func ReadPacket(r io.Reader, verifyChecksum bool) (*Packet, error) {
	h, err := Header.Deserialize(r)
	if err != nil {
		return nil, err
	}

	pkt := &Packet{
		Command: Command(h.Uint32("command")),
		Arg0:    h.Uint32("arg0"),
		Arg1:    h.Uint32("arg1"),
	}
	if h.Uint32("magic") != ^uint32(pkt.Command) {
		return nil, fmt.Errorf("%w: command %s, magic %08x", ErrBadMagic, pkt.Command, h.Uint32("magic"))
	}

	n := h.Uint32("payloadLength")
	if n > MaxPayloadLimit {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if n > 0 {
		pkt.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, pkt.Payload); err != nil {
			return nil, &structs.DecodeError{Field: "payload", Err: err}
		}
	}

	// Devices past 0x01000001 send 0 here once they have seen the host's
	// CNXN, before the host has switched verification off.
	if want := h.Uint32("checksum"); verifyChecksum && want != 0 {
		if got := Checksum(pkt.Payload); want != got {
			return nil, fmt.Errorf("%w: %s header %08x, payload %08x", ErrChecksumMismatch, pkt.Command, want, got)
		}
	}
	return pkt, nil
}

// Package protocol defines the ADB packet format: a 24-byte little-endian
// header followed by an optional payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is a 4-character ASCII tag packed little-endian.
type Command uint32

func tag(s string) Command { return Command(binary.LittleEndian.Uint32([]byte(s))) }

// Command constants.
var (
	CmdConnect = tag("CNXN") // connection banner / negotiation
	CmdAuth    = tag("AUTH") // authentication challenge and reply
	CmdOpen    = tag("OPEN") // open a stream for a service
	CmdOkay    = tag("OKAY") // stream ready, grants one write credit
	CmdWrite   = tag("WRTE") // stream data
	CmdClose   = tag("CLSE") // stream closed
	CmdSync    = tag("SYNC") // sync pseudo-namespace, never on the wire as a packet
)

// String returns the ASCII tag, e.g. "WRTE".
func (c Command) String() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(c))
	for _, ch := range b {
		if ch < 0x20 || ch > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(c))
		}
	}
	return string(b[:])
}

// HeaderSize is the fixed header size:
// command(4) + arg0(4) + arg1(4) + payloadLength(4) + checksum(4) + magic(4).
const HeaderSize = 24

// MaxPayloadLimit bounds the payload length accepted from a peer, whatever
// was negotiated.
const MaxPayloadLimit = 16 * 1024 * 1024

// Sentinel errors.
var (
	ErrBadMagic         = errors.New("bad packet magic")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// Packet is one framed unit of the wire protocol.
type Packet struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

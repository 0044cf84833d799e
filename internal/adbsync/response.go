package adbsync

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/adblink/internal/structs"
)

// ResponseID is the 4-byte tag leading every sync response.
type ResponseID string

const (
	RespEntry  ResponseID = "DENT"
	RespLstat  ResponseID = "STAT"
	RespStat   ResponseID = "STA2"
	RespLstat2 ResponseID = "LST2"
	RespData   ResponseID = "DATA"
	RespDone   ResponseID = "DONE"
	RespOkay   ResponseID = "OKAY"
	RespFail   ResponseID = "FAIL"
)

// ErrUnexpectedResponse is wrapped in the DecodeError returned for a tag the
// caller did not expect.
var ErrUnexpectedResponse = errors.New("unexpected response id")

// FailError carries the message of a FAIL response.
type FailError struct {
	Message string
}

func (e *FailError) Error() string { return "sync: " + e.Message }

// Decoder reads the body that follows a response tag. *structs.Struct is
// the usual implementation.
type Decoder interface {
	Deserialize(r io.Reader) (*structs.Value, error)
}

// Response bodies.
var (
	// EntryResponse is one DENT of a LIST; 16 bytes plus the name.
	EntryResponse = structs.New(binary.LittleEndian).
		Uint32("mode").
		Uint32("size").
		Uint32("mtime").
		Uint32("nameLength").
		String("name", "nameLength", structs.WithMaxLength(MaxChunkSize))

	// LstatResponse answers STAT. All zero means the path does not exist.
	LstatResponse = structs.New(binary.LittleEndian).
		Uint32("mode").
		Uint32("size").
		Uint32("mtime")

	// StatResponse answers STA2 and LST2.
	StatResponse = structs.New(binary.LittleEndian).
		Uint32("error").
		Uint64("dev").
		Uint64("ino").
		Uint32("mode").
		Uint32("nlink").
		Uint32("uid").
		Uint32("gid").
		Uint64("size").
		Int64("atime").
		Int64("mtime").
		Int64("ctime")

	// DataResponse is one RECV chunk; adbd never sends more than
	// MaxChunkSize at a time.
	DataResponse = structs.New(binary.LittleEndian).
		Uint32("dataLength").
		Bytes("data", "dataLength", structs.WithMaxLength(MaxChunkSize))

	OkayResponse = structs.New(binary.LittleEndian).
		Uint32("unused")

	failResponse = structs.New(binary.LittleEndian).
		Uint32("messageLength").
		String("message", "messageLength", structs.WithMaxLength(MaxChunkSize)).
		PostDeserialize(func(v *structs.Value) error {
			return &FailError{Message: v.String("message")}
		})
)

// entryFixedSize is EntryResponse without its name.
const entryFixedSize = 16

// DoneResponse reads a DONE body of size bytes. adbd sizes DONE like the
// response it ends, so a LIST's DONE is 16 bytes and a RECV's DONE is 4.
func DoneResponse(size int) Decoder {
	return structs.New(binary.LittleEndian).Fixed("unused", size)
}

// ReadResponse reads one tagged response. types maps the tags the caller
// accepts to their body. FAIL is always an error, whatever types holds.
func ReadResponse(r io.Reader, types map[ResponseID]Decoder) (ResponseID, *structs.Value, error) {
	var tag [4]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return "", nil, &structs.DecodeError{Field: "id", Err: err}
	}
	id := ResponseID(tag[:])

	if id == RespFail {
		_, err := failResponse.Deserialize(r)
		var fe *FailError
		if errors.As(err, &fe) {
			return id, nil, fe
		}
		return id, nil, err
	}

	dec, ok := types[id]
	if !ok {
		return id, nil, &structs.DecodeError{Field: "id", Err: fmt.Errorf("%w %q", ErrUnexpectedResponse, string(id))}
	}
	v, err := dec.Deserialize(r)
	return id, v, err
}

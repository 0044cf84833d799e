package adbsync

import (
	"encoding/binary"
	"io"

	"github.com/1ureka/adblink/internal/structs"
)

// RequestID is the 4-byte tag leading every sync request.
type RequestID string

const (
	ReqList  RequestID = "LIST"
	ReqLstat RequestID = "STAT"
	ReqStat  RequestID = "STA2"
	ReqLst2  RequestID = "LST2"
	ReqSend  RequestID = "SEND"
	ReqRecv  RequestID = "RECV"
	ReqData  RequestID = "DATA"
	ReqDone  RequestID = "DONE"
	ReqQuit  RequestID = "QUIT"
)

// MaxChunkSize bounds the data carried by one DATA request.
const MaxChunkSize = 64 * 1024

var (
	// request is the common id + length + data layout.
	request = structs.New(binary.LittleEndian).
		FixedString("id", 4).
		Uint32("length").
		Bytes("data", "length")

	// doneRequest ends a SEND; the length slot carries the mtime.
	doneRequest = structs.New(binary.LittleEndian).
		FixedString("id", 4).
		Uint32("mtime")
)

func writeRequest(w io.Writer, id RequestID, data []byte) error {
	b, err := request.Serialize(map[string]any{"id": string(id), "data": data})
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func writeDone(w io.Writer, mtime uint32) error {
	b, err := doneRequest.Serialize(map[string]any{"id": string(ReqDone), "mtime": mtime})
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

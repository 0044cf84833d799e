// Package adbsync implements the file sync sub-protocol spoken on a
// "sync:" stream: listing, stat, pull and push.
package adbsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/1ureka/adblink/internal/structs"
)

// Stream is the part of a dispatch.Socket the client needs.
type Stream interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	WriteContext(ctx context.Context, p []byte) (int, error)
	Close() error
}

// Entry is one directory entry or v1 stat result.
type Entry struct {
	Name    string
	Mode    os.FileMode
	Size    int64
	ModTime time.Time
}

// StatInfo is a v2 stat result. Error holds the device's errno, zero on
// success.
type StatInfo struct {
	Error   uint32
	Dev     uint64
	Ino     uint64
	Mode    os.FileMode
	Nlink   uint32
	UID     uint32
	GID     uint32
	Size    int64
	ATime   time.Time
	ModTime time.Time
	CTime   time.Time
}

// Client runs sync requests one at a time over a stream.
type Client struct {
	mu     sync.Mutex
	s      Stream
	statV2 bool
}

// NewClient wraps a stream opened with the "sync:" service. statV2 reports
// whether the device advertised the stat_v2 feature.
func NewClient(s Stream, statV2 bool) *Client {
	return &Client{s: s, statV2: statV2}
}

// ctxStream binds a context to the stream for one request.
type ctxStream struct {
	ctx context.Context
	s   Stream
}

func (c ctxStream) Read(p []byte) (int, error)  { return c.s.ReadContext(c.ctx, p) }
func (c ctxStream) Write(p []byte) (int, error) { return c.s.WriteContext(c.ctx, p) }

// List returns the entries of the directory at path, "." and ".." included.
func (c *Client) List(ctx context.Context, path string) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rw := ctxStream{ctx, c.s}
	if err := writeRequest(rw, ReqList, []byte(path)); err != nil {
		return nil, err
	}

	types := map[ResponseID]Decoder{
		RespEntry: EntryResponse,
		RespDone:  DoneResponse(entryFixedSize),
	}
	var entries []Entry
	for {
		id, v, err := ReadResponse(rw, types)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		if id == RespDone {
			return entries, nil
		}
		entries = append(entries, Entry{
			Name:    v.String("name"),
			Mode:    FileModeFromAdb(v.Uint32("mode")),
			Size:    int64(v.Uint32("size")),
			ModTime: time.Unix(int64(v.Uint32("mtime")), 0),
		})
	}
}

// Lstat stats path without following a final symlink. It uses LST2 when
// the device supports it and STAT otherwise.
func (c *Client) Lstat(ctx context.Context, path string) (*StatInfo, error) {
	if c.statV2 {
		return c.stat2(ctx, ReqLst2, RespLstat2, path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rw := ctxStream{ctx, c.s}
	if err := writeRequest(rw, ReqLstat, []byte(path)); err != nil {
		return nil, err
	}
	_, v, err := ReadResponse(rw, map[ResponseID]Decoder{RespLstat: LstatResponse})
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	raw, size, mtime := v.Uint32("mode"), v.Uint32("size"), v.Uint32("mtime")
	if raw == 0 && size == 0 && mtime == 0 {
		return nil, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
	}
	return &StatInfo{
		Mode:    FileModeFromAdb(raw),
		Size:    int64(size),
		ModTime: time.Unix(int64(mtime), 0),
	}, nil
}

// Stat stats path following symlinks. It needs the stat_v2 feature.
func (c *Client) Stat(ctx context.Context, path string) (*StatInfo, error) {
	if !c.statV2 {
		return nil, fmt.Errorf("stat %s: %w: device lacks stat_v2", path, errors.ErrUnsupported)
	}
	return c.stat2(ctx, ReqStat, RespStat, path)
}

func (c *Client) stat2(ctx context.Context, req RequestID, resp ResponseID, path string) (*StatInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rw := ctxStream{ctx, c.s}
	if err := writeRequest(rw, req, []byte(path)); err != nil {
		return nil, err
	}
	_, v, err := ReadResponse(rw, map[ResponseID]Decoder{resp: StatResponse})
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	info := statInfo(v)
	if info.Error != 0 {
		return info, &os.PathError{Op: "stat", Path: path, Err: syscall.Errno(info.Error)}
	}
	return info, nil
}

func statInfo(v *structs.Value) *StatInfo {
	return &StatInfo{
		Error:   v.Uint32("error"),
		Dev:     v.Uint64("dev"),
		Ino:     v.Uint64("ino"),
		Mode:    FileModeFromAdb(v.Uint32("mode")),
		Nlink:   v.Uint32("nlink"),
		UID:     v.Uint32("uid"),
		GID:     v.Uint32("gid"),
		Size:    int64(v.Uint64("size")),
		ATime:   time.Unix(v.Int64("atime"), 0),
		ModTime: time.Unix(v.Int64("mtime"), 0),
		CTime:   time.Unix(v.Int64("ctime"), 0),
	}
}

// Pull copies the file at path into w and returns the number of bytes.
func (c *Client) Pull(ctx context.Context, path string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rw := ctxStream{ctx, c.s}
	if err := writeRequest(rw, ReqRecv, []byte(path)); err != nil {
		return 0, err
	}

	types := map[ResponseID]Decoder{
		RespData: DataResponse,
		RespDone: DoneResponse(4),
	}
	var n int64
	for {
		id, v, err := ReadResponse(rw, types)
		if err != nil {
			return n, fmt.Errorf("pull %s: %w", path, err)
		}
		if id == RespDone {
			return n, nil
		}
		written, err := w.Write(v.Bytes("data"))
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
}

// Push writes r to path on the device with the given mode and mtime.
func (c *Client) Push(ctx context.Context, path string, r io.Reader, mode os.FileMode, mtime time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rw := ctxStream{ctx, c.s}
	header := path + "," + strconv.FormatUint(uint64(FileModeToAdb(mode)), 10)
	if err := writeRequest(rw, ReqSend, []byte(header)); err != nil {
		return 0, err
	}

	var n int64
	buf := make([]byte, MaxChunkSize)
	for {
		read, err := io.ReadFull(r, buf)
		if read > 0 {
			if werr := writeRequest(rw, ReqData, buf[:read]); werr != nil {
				return n, werr
			}
			n += int64(read)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return n, err
		}
	}

	if err := writeDone(rw, uint32(mtime.Unix())); err != nil {
		return n, err
	}
	if _, _, err := ReadResponse(rw, map[ResponseID]Decoder{RespOkay: OkayResponse}); err != nil {
		return n, fmt.Errorf("push %s: %w", path, err)
	}
	return n, nil
}

// Close ends the sync session with QUIT and closes the stream.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	qerr := writeRequest(ctxStream{context.Background(), c.s}, ReqQuit, nil)
	return errors.Join(qerr, c.s.Close())
}

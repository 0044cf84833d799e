package adbsync

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/adblink/internal/structs"
)

// fakeStream replays canned device responses and records requests.
type fakeStream struct {
	in     *bytes.Reader
	out    bytes.Buffer
	closed bool
}

func newFakeStream(responses ...[]byte) *fakeStream {
	return &fakeStream{in: bytes.NewReader(bytes.Join(responses, nil))}
}

func (f *fakeStream) ReadContext(_ context.Context, p []byte) (int, error) { return f.in.Read(p) }
func (f *fakeStream) WriteContext(_ context.Context, p []byte) (int, error) {
	return f.out.Write(p)
}
func (f *fakeStream) Close() error { f.closed = true; return nil }

func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

func dent(name string, mode, size, mtime uint32) []byte {
	b := []byte("DENT")
	b = append(b, u32(mode)...)
	b = append(b, u32(size)...)
	b = append(b, u32(mtime)...)
	b = append(b, u32(uint32(len(name)))...)
	return append(b, name...)
}

func data(p string) []byte {
	return append(append([]byte("DATA"), u32(uint32(len(p)))...), p...)
}

func done(size int) []byte { return append([]byte("DONE"), make([]byte, size)...) }

func fail(msg string) []byte {
	return append(append([]byte("FAIL"), u32(uint32(len(msg)))...), msg...)
}

func stat2(errno, mode uint32, size uint64, mtime int64) []byte {
	b := []byte("STA2")
	b = append(b, u32(errno)...)
	b = binary.LittleEndian.AppendUint64(b, 1) // dev
	b = binary.LittleEndian.AppendUint64(b, 2) // ino
	b = append(b, u32(mode)...)
	b = append(b, u32(1)...) // nlink
	b = append(b, u32(1000)...)
	b = append(b, u32(1000)...)
	b = binary.LittleEndian.AppendUint64(b, size)
	b = binary.LittleEndian.AppendUint64(b, uint64(mtime)) // atime
	b = binary.LittleEndian.AppendUint64(b, uint64(mtime))
	b = binary.LittleEndian.AppendUint64(b, uint64(mtime)) // ctime
	return b
}

func TestRecordSizes(t *testing.T) {
	assert.Equal(t, 12, LstatResponse.Size())
	assert.Equal(t, 68, StatResponse.Size())
	assert.Equal(t, 4, OkayResponse.Size())
	assert.Equal(t, structs.VariableSize, EntryResponse.Size())
}

// TestListDoneSizedLikeEntry verifies that the DONE ending a LIST consumes
// exactly 16 bytes, leaving the next response intact.
func TestListDoneSizedLikeEntry(t *testing.T) {
	s := newFakeStream(
		dent(".", 0o40755, 0, 0),
		dent("a.txt", 0o100644, 5, 1700000000),
		dent("lnk", 0o120777, 0, 0),
		done(16),
		[]byte("OKAY"), u32(0),
	)
	c := NewClient(s, false)

	entries, err := c.List(context.Background(), "/sdcard")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.True(t, entries[0].Mode.IsDir())
	assert.Equal(t, "a.txt", entries[1].Name)
	assert.Equal(t, int64(5), entries[1].Size)
	assert.Equal(t, os.FileMode(0o644), entries[1].Mode)
	assert.Equal(t, time.Unix(1700000000, 0), entries[1].ModTime)
	assert.Equal(t, os.ModeSymlink, entries[2].Mode.Type())

	assert.Equal(t, "LIST", s.out.String()[:4])
	assert.Equal(t, uint32(len("/sdcard")), binary.LittleEndian.Uint32(s.out.Bytes()[4:8]))
	assert.Equal(t, "/sdcard", s.out.String()[8:])

	id, _, err := ReadResponse(ctxStream{context.Background(), s}, map[ResponseID]Decoder{RespOkay: OkayResponse})
	require.NoError(t, err)
	assert.Equal(t, RespOkay, id)
}

func TestFailAlwaysFails(t *testing.T) {
	r := bytes.NewReader(fail("No such file or directory"))
	_, _, err := ReadResponse(r, map[ResponseID]Decoder{RespFail: OkayResponse, RespOkay: OkayResponse})

	var fe *FailError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "No such file or directory", fe.Message)
}

func TestUnexpectedResponseID(t *testing.T) {
	r := bytes.NewReader(append([]byte("WHAT"), u32(0)...))
	_, _, err := ReadResponse(r, map[ResponseID]Decoder{RespOkay: OkayResponse})

	var de *structs.DecodeError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestReadResponseTruncated(t *testing.T) {
	_, _, err := ReadResponse(bytes.NewReader([]byte("DA")), nil)
	var de *structs.DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestPull(t *testing.T) {
	s := newFakeStream(data("hello "), data("world"), done(4))
	c := NewClient(s, false)

	var out bytes.Buffer
	n, err := c.Pull(context.Background(), "/data/local/tmp/f", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello world", out.String())
	assert.True(t, strings.HasPrefix(s.out.String(), "RECV"))
}

func TestPullFailure(t *testing.T) {
	s := newFakeStream(data("part"), fail("read error"))
	c := NewClient(s, false)

	var out bytes.Buffer
	n, err := c.Pull(context.Background(), "/x", &out)
	var fe *FailError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(4), n)
}

func TestDataLengthLimit(t *testing.T) {
	resp := append([]byte("DATA"), u32(512<<20)...)
	s := newFakeStream(resp, []byte("8 bytes!"))
	c := NewClient(s, false)

	var out bytes.Buffer
	n, err := c.Pull(context.Background(), "/x", &out)
	assert.ErrorIs(t, err, structs.ErrLengthExceeded)
	assert.Zero(t, n)
	assert.Equal(t, 8, s.in.Len(), "body must not be read")
}

// TestPushFraming checks SEND, chunked DATA, DONE with mtime, then the
// device's OKAY.
func TestPushFraming(t *testing.T) {
	s := newFakeStream([]byte("OKAY"), u32(0))
	c := NewClient(s, false)

	content := bytes.Repeat([]byte{'x'}, MaxChunkSize+10)
	mtime := time.Unix(1600000000, 0)
	n, err := c.Push(context.Background(), "/sdcard/f", bytes.NewReader(content), 0o644, mtime)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	out := bytes.NewReader(s.out.Bytes())
	readReq := func() (string, []byte) {
		var hdr [8]byte
		_, err := io.ReadFull(out, hdr[:])
		require.NoError(t, err)
		id := string(hdr[:4])
		length := binary.LittleEndian.Uint32(hdr[4:])
		if id == "DONE" {
			return id, hdr[4:]
		}
		body := make([]byte, length)
		_, err = io.ReadFull(out, body)
		require.NoError(t, err)
		return id, body
	}

	id, body := readReq()
	assert.Equal(t, "SEND", id)
	assert.Equal(t, "/sdcard/f,33188", string(body))

	id, body = readReq()
	assert.Equal(t, "DATA", id)
	assert.Len(t, body, MaxChunkSize)

	id, body = readReq()
	assert.Equal(t, "DATA", id)
	assert.Len(t, body, 10)

	id, body = readReq()
	assert.Equal(t, "DONE", id)
	assert.Equal(t, uint32(1600000000), binary.LittleEndian.Uint32(body))
	assert.Zero(t, out.Len())
}

func TestPushRejected(t *testing.T) {
	s := newFakeStream(fail("Permission denied"))
	c := NewClient(s, false)

	_, err := c.Push(context.Background(), "/system/f", strings.NewReader("x"), 0o644, time.Now())
	var fe *FailError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Permission denied", fe.Message)
}

func TestLstatV1(t *testing.T) {
	resp := append([]byte("STAT"), u32(0o100600)...)
	resp = append(resp, u32(42)...)
	resp = append(resp, u32(1234)...)
	c := NewClient(newFakeStream(resp, []byte("STAT"), make([]byte, 12)), false)

	info, err := c.Lstat(context.Background(), "/f")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Size)
	assert.Equal(t, os.FileMode(0o600), info.Mode)

	_, err = c.Lstat(context.Background(), "/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStatV2(t *testing.T) {
	c := NewClient(newFakeStream(stat2(0, 0o40700, 4096, 1650000000)), true)

	info, err := c.Stat(context.Background(), "/sdcard")
	require.NoError(t, err)
	assert.True(t, info.Mode.IsDir())
	assert.Equal(t, int64(4096), info.Size)
	assert.Equal(t, uint64(2), info.Ino)
	assert.Equal(t, uint32(1000), info.UID)
	assert.Equal(t, time.Unix(1650000000, 0), info.ModTime)
}

func TestStatV2Errno(t *testing.T) {
	c := NewClient(newFakeStream(stat2(2, 0, 0, 0)), true)

	info, err := c.Stat(context.Background(), "/nope")
	require.Error(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint32(2), info.Error)
}

func TestStatRequiresV2(t *testing.T) {
	c := NewClient(newFakeStream(), false)
	_, err := c.Stat(context.Background(), "/")
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestCloseSendsQuit(t *testing.T) {
	s := newFakeStream()
	c := NewClient(s, false)
	require.NoError(t, c.Close())
	assert.Equal(t, append([]byte("QUIT"), 0, 0, 0, 0), s.out.Bytes())
	assert.True(t, s.closed)
}

func TestFileModeRoundTrip(t *testing.T) {
	testCases := []struct {
		raw  uint32
		want os.FileMode
	}{
		{0o100644, 0o644},
		{0o040755, os.ModeDir | 0o755},
		{0o120777, os.ModeSymlink | 0o777},
		{0o140755, os.ModeSocket | 0o755},
		{0o060660, os.ModeDevice | 0o660},
		{0o020620, os.ModeDevice | os.ModeCharDevice | 0o620},
		{0o010600, os.ModeNamedPipe | 0o600},
		{0o104755, os.ModeSetuid | 0o755},
		{0o041777, os.ModeDir | os.ModeSticky | 0o777},
	}
	for _, tc := range testCases {
		got := FileModeFromAdb(tc.raw)
		assert.Equal(t, tc.want, got, "%o", tc.raw)
		assert.Equal(t, tc.raw, FileModeToAdb(got), "%o", tc.raw)
	}
}

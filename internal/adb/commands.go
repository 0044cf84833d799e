package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/1ureka/adblink/internal/adbsync"
	"github.com/1ureka/adblink/internal/dispatch"
)

// ErrInvalidResponse is returned when a service answers with unexpected text.
var ErrInvalidResponse = errors.New("invalid response")

// socketReader binds a context to a socket's reads.
type socketReader struct {
	ctx context.Context
	s   *dispatch.Socket
}

func (r socketReader) Read(p []byte) (int, error) { return r.s.ReadContext(r.ctx, p) }

// CreateSocketAndReadAll opens service and returns everything it writes
// until the device closes the stream.
func (a *Adb) CreateSocketAndReadAll(ctx context.Context, service string) (string, error) {
	s, err := a.CreateSocket(ctx, service)
	if err != nil {
		return "", err
	}
	defer s.Close()

	data, err := io.ReadAll(socketReader{ctx, s})
	if err != nil {
		return string(data), fmt.Errorf("%s: %w", service, err)
	}
	return string(data), nil
}

// EscapeArg quotes s for the device's shell.
func EscapeArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Exec runs cmd with args through "shell:" and returns its output. Each
// argument is quoted with EscapeArg; cmd is passed as is.
func (a *Adb) Exec(ctx context.Context, cmd string, args ...string) (string, error) {
	var b strings.Builder
	b.WriteString("shell:")
	b.WriteString(cmd)
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(EscapeArg(arg))
	}
	return a.CreateSocketAndReadAll(ctx, b.String())
}

// GetProp returns a system property.
func (a *Adb) GetProp(ctx context.Context, key string) (string, error) {
	out, err := a.Exec(ctx, "getprop", key)
	return strings.TrimSpace(out), err
}

// Rm removes paths recursively.
func (a *Adb) Rm(ctx context.Context, paths ...string) (string, error) {
	return a.Exec(ctx, "rm", append([]string{"-rf"}, paths...)...)
}

// TcpIp restarts adbd listening on TCP port.
func (a *Adb) TcpIp(ctx context.Context, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	out, err := a.CreateSocketAndReadAll(ctx, fmt.Sprintf("tcpip:%d", port))
	if err != nil {
		return err
	}
	if out != fmt.Sprintf("restarting in TCP mode port: %d\n", port) {
		return fmt.Errorf("tcpip: %w: %q", ErrInvalidResponse, out)
	}
	return nil
}

// Usb restarts adbd listening on USB only.
func (a *Adb) Usb(ctx context.Context) error {
	out, err := a.CreateSocketAndReadAll(ctx, "usb:")
	if err != nil {
		return err
	}
	if out != "restarting in USB mode\n" {
		return fmt.Errorf("usb: %w: %q", ErrInvalidResponse, out)
	}
	return nil
}

// Sync opens a file sync session.
func (a *Adb) Sync(ctx context.Context) (*adbsync.Client, error) {
	s, err := a.CreateSocket(ctx, "sync:")
	if err != nil {
		return nil, err
	}
	return adbsync.NewClient(s, a.HasFeature(FeatureStatV2)), nil
}

package adbsync

import "os"

// Unix file type bits as sent by adbd. Values are from <sys/stat.h>.
const (
	modeType       uint32 = 0170000
	modeSocket     uint32 = 0140000
	modeSymlink    uint32 = 0120000
	modeRegular    uint32 = 0100000
	modeBlock      uint32 = 0060000
	modeDir        uint32 = 0040000
	modeCharDevice uint32 = 0020000
	modeFifo       uint32 = 0010000
)

// FileModeFromAdb converts a raw st_mode into an os.FileMode. The type is
// matched on all type bits; testing single bits would read a socket or a
// block device as a directory.
func FileModeFromAdb(raw uint32) os.FileMode {
	var mode os.FileMode
	switch raw & modeType {
	case modeSymlink:
		mode = os.ModeSymlink
	case modeDir:
		mode = os.ModeDir
	case modeSocket:
		mode = os.ModeSocket
	case modeFifo:
		mode = os.ModeNamedPipe
	case modeCharDevice:
		mode = os.ModeDevice | os.ModeCharDevice
	case modeBlock:
		mode = os.ModeDevice
	}
	if raw&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if raw&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if raw&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode | os.FileMode(raw).Perm()
}

// FileModeToAdb is the inverse of FileModeFromAdb. A mode without a type
// is a regular file.
func FileModeToAdb(mode os.FileMode) uint32 {
	raw := uint32(mode.Perm())
	switch {
	case mode&os.ModeSymlink != 0:
		raw |= modeSymlink
	case mode&os.ModeDir != 0:
		raw |= modeDir
	case mode&os.ModeSocket != 0:
		raw |= modeSocket
	case mode&os.ModeNamedPipe != 0:
		raw |= modeFifo
	case mode&os.ModeCharDevice != 0:
		raw |= modeCharDevice
	case mode&os.ModeDevice != 0:
		raw |= modeBlock
	default:
		raw |= modeRegular
	}
	if mode&os.ModeSetuid != 0 {
		raw |= 04000
	}
	if mode&os.ModeSetgid != 0 {
		raw |= 02000
	}
	if mode&os.ModeSticky != 0 {
		raw |= 01000
	}
	return raw
}

package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"os/user"
	"slices"

	"github.com/1ureka/adblink/internal/structs"
)

const (
	modulusBytes = KeyBits / 8
	modulusWords = modulusBytes / 4
)

// publicKeyRecord is the mincrypt RSAPublicKey layout adbd parses. Big
// numbers are stored as little-endian word arrays, which for a byte buffer
// is simply the number in little-endian byte order.
var publicKeyRecord = structs.New(binary.LittleEndian).
	Uint32("len").
	Uint32("n0inv").
	Fixed("modulus", modulusBytes).
	Fixed("rr", modulusBytes).
	Uint32("exponent")

// EncodePublicKey returns the 524-byte Android encoding of a 2048-bit key.
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != KeyBits {
		return nil, fmt.Errorf("adb keys must be %d bits, got %d", KeyBits, pub.N.BitLen())
	}

	// n0inv = -1 / n[0] mod 2^32
	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, r32)
	inv := new(big.Int).ModInverse(n0, r32)
	if inv == nil {
		return nil, fmt.Errorf("modulus is even")
	}
	n0inv := new(big.Int).Sub(r32, inv)

	// rr = (2^2048)^2 mod n
	rr := new(big.Int).Lsh(big.NewInt(1), 2*KeyBits)
	rr.Mod(rr, pub.N)

	return publicKeyRecord.Serialize(map[string]any{
		"len":      uint32(modulusWords),
		"n0inv":    uint32(n0inv.Uint64()),
		"modulus":  littleEndian(pub.N),
		"rr":       littleEndian(rr),
		"exponent": uint32(pub.E),
	})
}

func littleEndian(n *big.Int) []byte {
	b := n.FillBytes(make([]byte, modulusBytes))
	slices.Reverse(b)
	return b
}

// PublicKeyString returns the key as adbd stores it in adb_keys:
// base64 of EncodePublicKey, a space, then user@host.
func PublicKeyString(pub *rsa.PublicKey) (string, error) {
	raw, err := EncodePublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw) + " " + identity(), nil
}

func identity() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return name + "@" + host
}

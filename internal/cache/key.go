package cache

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"sasi-cats/internal/filesystem"
)

// keyVersion is mixed into every key; bump it when the derivation changes.
const keyVersion = "v1"

// Key identifies one artifact: a 64 character lowercase hex BLAKE2b-256 digest.
type Key string

// ErrInvalidKey is returned by ParseKey for malformed keys.
var ErrInvalidKey = errors.New("invalid cache key")

// Identity pins down the exact source bytes a key was derived from. A source
// that is replaced or edited in place gets a new key.
type Identity struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// IdentityOf stats path and returns its identity with the path made absolute.
func IdentityOf(path string) (Identity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := filesystem.StatWithRetry(abs, filesystem.DefaultRetryConfig())
	if err != nil {
		return Identity{}, err
	}
	if info.IsDir() {
		return Identity{}, fmt.Errorf("%s is a directory", abs)
	}
	return Identity{Path: abs, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// DeriveKey hashes the source identity, the output profile and the workflow
// variant into a Key. Each field is length-prefixed so no two inputs collide
// by concatenation.
func DeriveKey(id Identity, profileID, workflow string) Key {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only possible with an oversized MAC key
		panic(err)
	}

	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	writeInt := func(v int64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		h.Write(b[:])
	}

	writeField(keyVersion)
	writeField(filepath.Clean(id.Path))
	writeInt(id.Size)
	writeInt(id.ModTime.UnixNano())
	writeField(profileID)
	writeField(workflow)

	return Key(hex.EncodeToString(h.Sum(nil)))
}

// ParseKey validates s as a Key. A trailing ".mov" is accepted so stream
// URLs can carry the extension legacy players look for.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSuffix(s, ".mov")
	if len(s) != 2*blake2b.Size256 {
		return "", ErrInvalidKey
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ErrInvalidKey
		}
	}
	return Key(s), nil
}

func (k Key) String() string {
	return string(k)
}

// Short returns an abbreviated key for log lines.
func (k Key) Short() string {
	if len(k) < 12 {
		return string(k)
	}
	return string(k[:12])
}

// shardDir returns the two-level directory an artifact lives in.
func (k Key) shardDir() string {
	return filepath.Join(string(k[0:2]), string(k[2:4]))
}

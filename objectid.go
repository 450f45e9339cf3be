package splitstore

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is the 12-byte identifier of a structure or definition. It is
// content-address shaped (4 bytes of unix seconds, 5 bytes of per-process
// randomness and a 3-byte counter) and renders as 24 hex characters.
// Once a store hands an ObjectID back to a writer it stays valid forever.
type ObjectID [12]byte

// NilObjectID is the zero-value ObjectID.
var NilObjectID ObjectID

var objectIDCounter uint32
var processUnique [5]byte

func init() {
	if _, err := rand.Read(processUnique[:]); err != nil {
		panic(err)
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	// Start the counter at a random offset so restarts don't replay low ids.
	objectIDCounter = binary.BigEndian.Uint32(b[:]) & 0x00FFFFFF
}

// NewObjectID returns a new, globally unique ObjectID.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processUnique[:])
	c := atomic.AddUint32(&objectIDCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// ParseObjectID converts a 24-character hex string to an ObjectID.
// It returns an error if the input is not a valid id.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, fmt.Errorf("invalid ObjectID %q, 'expecting 24 hex characters", s)
	}
	ba, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid ObjectID %q: %w", s, err)
	}
	copy(id[:], ba)
	return id, nil
}

// IsZero reports whether the id equals the zero-value ObjectID.
func (id ObjectID) IsZero() bool {
	return bytes.Equal(id[:], NilObjectID[:])
}

// String returns the 24-character hex representation of the id.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Compare compares two ids and returns -1 if x < y, 1 if x > y, and 0 if they are equal.
func (x ObjectID) Compare(y ObjectID) int {
	return bytes.Compare(x[:], y[:])
}

// MarshalText implements encoding.TextMarshaler so ids serialize as hex
// strings. The zero id serializes as the empty string, matching the at-rest
// rule that an absent version is an empty string, not a zero hex value.
func (id ObjectID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return []byte{}, nil
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input yields the zero id.
func (id *ObjectID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = NilObjectID
		return nil
	}
	parsed, err := ParseObjectID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

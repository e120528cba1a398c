package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

const (
	// NodeIDLength is the size of a node identifier in bytes.
	NodeIDLength = 20
	// NodeIDBits is the width of the identifier space.
	NodeIDBits = NodeIDLength * 8
)

// ErrInvalidNodeID is returned when a node identifier cannot be parsed.
var ErrInvalidNodeID = errors.New("invalid node id")

// NodeID is a 160-bit identifier in the overlay's XOR metric space.
// The byte order is big-endian: byte 0 holds the most significant bits.
type NodeID [NodeIDLength]byte

// NodeIDFromPublicKey derives a node identifier from a public key using a
// 160-bit BLAKE2b digest.
func NodeIDFromPublicKey(publicKey [32]byte) NodeID {
	h, err := blake2b.New(NodeIDLength, nil)
	if err != nil {
		// blake2b only fails for sizes outside [1, 64] or oversized keys
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write(publicKey[:])

	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}

// RandomNodeID returns a uniformly random identifier.
func RandomNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, fmt.Errorf("failed to read random node id: %w", err)
	}
	return id, nil
}

// RandomNodeIDInBucket returns a random identifier whose XOR distance to base
// has its highest set bit at position index (0 = least significant bit).
// It is used to refresh one k-bucket of a routing table.
func RandomNodeIDInBucket(base NodeID, index int) (NodeID, error) {
	if index < 0 || index >= NodeIDBits {
		return NodeID{}, fmt.Errorf("bucket index %d out of range", index)
	}

	dist, err := RandomNodeID()
	if err != nil {
		return NodeID{}, err
	}

	// clear every bit above index, then force index itself
	for bit := NodeIDBits - 1; bit > index; bit-- {
		dist[NodeIDLength-1-bit/8] &^= 1 << (bit % 8)
	}
	dist[NodeIDLength-1-index/8] |= 1 << (index % 8)

	return base.Xor(dist), nil
}

// NodeIDFromString parses the 40 character hexadecimal form of an identifier.
func NodeIDFromString(s string) (NodeID, error) {
	if len(s) != NodeIDLength*2 {
		return NodeID{}, fmt.Errorf("%w: length %d, want %d", ErrInvalidNodeID, len(s), NodeIDLength*2)
	}

	data, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}

	var id NodeID
	copy(id[:], data)
	return id, nil
}

// String returns the hexadecimal representation of the identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for log fields.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether every bit of the identifier is zero.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Xor returns the bitwise exclusive-or of two identifiers, which is their
// distance in the Kademlia metric.
func (id NodeID) Xor(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < NodeIDLength; i++ {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// Distance is an alias of Xor that reads better at call sites.
func (id NodeID) Distance(other NodeID) NodeID {
	return id.Xor(other)
}

// BitLen returns the number of significant bits when the identifier is read
// as an unsigned integer. The zero identifier has bit length 0.
func (id NodeID) BitLen() int {
	for i := 0; i < NodeIDLength; i++ {
		if id[i] != 0 {
			return (NodeIDLength-1-i)*8 + bits.Len8(id[i])
		}
	}
	return 0
}

// Compare compares two identifiers as unsigned big-endian integers.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id is numerically smaller than other.
func (id NodeID) Less(other NodeID) bool {
	return id.Compare(other) < 0
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b NodeID) bool {
	return target.Xor(a).Less(target.Xor(b))
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := NodeIDFromString(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

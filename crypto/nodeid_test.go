package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithByte(pos int, b byte) NodeID {
	var id NodeID
	id[pos] = b
	return id
}

func idWithLastByte(b byte) NodeID {
	return idWithByte(NodeIDLength-1, b)
}

func TestNodeIDFromPublicKeyIsDeterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	a := NodeIDFromPublicKey(kp.Public)
	b := kp.NodeID()
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, a, other.NodeID())
}

func TestNodeIDStringRoundTrip(t *testing.T) {
	id, err := RandomNodeID()
	require.NoError(t, err)

	s := id.String()
	assert.Len(t, s, 40)
	assert.Equal(t, s[:8], id.Short())

	parsed, err := NodeIDFromString(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestNodeIDFromStringRejectsGarbage(t *testing.T) {
	_, err := NodeIDFromString("abc")
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	_, err = NodeIDFromString("zz00000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestBitLen(t *testing.T) {
	tests := []struct {
		name string
		id   NodeID
		want int
	}{
		{"zero", NodeID{}, 0},
		{"one", idWithLastByte(1), 1},
		{"two", idWithLastByte(2), 2},
		{"0xff", idWithLastByte(0xff), 8},
		{"top bit", NodeID{0x80}, 160},
		{"second byte", idWithByte(1, 0x01), 145},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.BitLen())
		})
	}
}

func TestXorDistanceProperties(t *testing.T) {
	a, err := RandomNodeID()
	require.NoError(t, err)
	b, err := RandomNodeID()
	require.NoError(t, err)

	assert.True(t, a.Xor(a).IsZero(), "distance to self is zero")
	assert.Equal(t, a.Distance(b), b.Distance(a), "distance is symmetric")
	assert.Equal(t, b, a.Xor(a.Xor(b)))
}

func TestCloserTo(t *testing.T) {
	target := NodeID{}
	near := idWithLastByte(1)
	far := idWithLastByte(4)

	assert.True(t, CloserTo(target, near, far))
	assert.False(t, CloserTo(target, far, near))
	assert.False(t, CloserTo(target, near, near))
}

func TestRandomNodeIDInBucket(t *testing.T) {
	base, err := RandomNodeID()
	require.NoError(t, err)

	for _, index := range []int{0, 1, 7, 8, 63, 100, 159} {
		id, err := RandomNodeIDInBucket(base, index)
		require.NoError(t, err)
		assert.Equal(t, index+1, base.Xor(id).BitLen(), "index %d", index)
	}

	_, err = RandomNodeIDInBucket(base, 160)
	assert.Error(t, err)
	_, err = RandomNodeIDInBucket(base, -1)
	assert.Error(t, err)
}

func TestNodeIDTextMarshalling(t *testing.T) {
	id, err := RandomNodeID()
	require.NoError(t, err)

	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded NodeID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)
}

func TestFromSecretKeyMatchesGenerated(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)
	assert.Equal(t, kp.NodeID(), rebuilt.NodeID())
	assert.Len(t, kp.PublicKeyHex(), 64)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err)
}

package hash

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestHashRoundTrip(t *testing.T) {
	h := New(KindEntry, []byte("some entry content"))

	decoded, err := Decode(h.Bytes())
	require.NoError(t, err)
	assert.True(t, h.Equal(decoded))
	assert.Equal(t, KindEntry, decoded.Kind())
	assert.Equal(t, h.Loc(), decoded.Loc())
}

func TestHashStringRoundTrip(t *testing.T) {
	h := New(KindAction, []byte("action bytes"))

	s := h.String()
	assert.Equal(t, byte('u'), s[0])

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}

func TestHashKindsDiffer(t *testing.T) {
	content := []byte("identical content")
	entry := New(KindEntry, content)
	action := New(KindAction, content)

	// Same digest, different signifier.
	assert.Equal(t, entry.Digest(), action.Digest())
	assert.False(t, entry.Equal(action))
	assert.NotEqual(t, entry.Bytes()[:SignifierLen], action.Bytes()[:SignifierLen])
}

func TestAgentHashEmbedsKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	h := FromDigest(KindAgent, pub)
	assert.Equal(t, []byte(pub), h.Digest())
}

func TestLocationDeterministic(t *testing.T) {
	h1 := New(KindEntry, []byte("x"))
	h2 := New(KindEntry, []byte("x"))
	assert.Equal(t, h1.Loc(), h2.Loc())

	// Location is part of the wire form and verified on decode.
	raw := h1.Bytes()
	raw[HashLen-1] ^= 0xff
	_, err := Decode(raw)
	assert.Error(t, err)
}

func TestZeroHashMsgpackRoundTrip(t *testing.T) {
	// The genesis action's prev_action is the zero hash; it must survive
	// serialization even though it has no valid location suffix.
	type wrapper struct {
		H Hash `msgpack:"h"`
	}
	data, err := msgpack.Marshal(wrapper{})
	require.NoError(t, err)
	var out wrapper
	require.NoError(t, msgpack.Unmarshal(data, &out))
	assert.True(t, out.H.IsZero())

	// Non-zero hashes round-trip through struct fields too.
	data, err = msgpack.Marshal(wrapper{H: New(KindEntry, []byte("x"))})
	require.NoError(t, err)
	require.NoError(t, msgpack.Unmarshal(data, &out))
	assert.True(t, out.H.Equal(New(KindEntry, []byte("x"))))
}

func TestDecodeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "short", raw: make([]byte, 10)},
		{name: "unknown signifier", raw: make([]byte, HashLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			assert.Error(t, err)
		})
	}
}

package hash

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

// Kind identifies the type of content a hash addresses. It is encoded as the
// 3-byte signifier prefix of the wire form, so the kind of any hash can be
// recovered from its bytes alone.
type Kind byte

const (
	KindAgent Kind = iota
	KindEntry
	KindAction
	KindDna
	KindDhtOp
	KindExternal
	KindWasm
	KindNetwork
)

// Wire-form signifier prefixes, one per Kind. Three bytes each so encoded
// hashes are self-describing and sort apart by type.
var signifiers = map[Kind][3]byte{
	KindAgent:    {0x84, 0x20, 0x24},
	KindEntry:    {0x84, 0x21, 0x24},
	KindAction:   {0x84, 0x29, 0x24},
	KindDna:      {0x84, 0x2d, 0x24},
	KindDhtOp:    {0x84, 0x24, 0x24},
	KindExternal: {0x84, 0x2f, 0x24},
	KindWasm:     {0x84, 0x2a, 0x24},
	KindNetwork:  {0x84, 0x22, 0x24},
}

const (
	// SignifierLen + DigestLen + LocLen = total wire length of a hash.
	SignifierLen = 3
	DigestLen    = 32
	LocLen       = 4
	HashLen      = SignifierLen + DigestLen + LocLen
)

// Hash is a 39-byte typed content address: a 3-byte kind signifier, a 32-byte
// blake2b-256 digest, and a 4-byte little-endian network location derived
// from the digest. The zero value is invalid.
type Hash struct {
	kind   Kind
	digest [DigestLen]byte
	loc    uint32
}

// New computes the hash of already-serialized content.
func New(kind Kind, content []byte) Hash {
	digest := blake2b.Sum256(content)
	return FromDigest(kind, digest[:])
}

// NewSerialized msgpack-encodes v canonically and hashes the result.
func NewSerialized(kind Kind, v interface{}) (Hash, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return Hash{}, fmt.Errorf("failed to serialize content for hashing: %w", err)
	}
	return New(kind, data), nil
}

// FromDigest builds a hash around a precomputed 32-byte digest. Used for
// agent keys, where the digest is the ed25519 public key itself rather than
// a blake2b output.
func FromDigest(kind Kind, digest []byte) Hash {
	h := Hash{kind: kind}
	copy(h.digest[:], digest)
	h.loc = Location(h.digest[:])
	return h
}

// Location hashes a 32-byte digest with blake2b and XOR-folds the first 16
// bytes of that result into the 4-byte network location. The
// fold must match the location function of the gossip layer or arc
// assignment breaks, so do not change it.
func Location(digest []byte) uint32 {
	folded := blake2b.Sum256(digest)
	out := [LocLen]byte{folded[0], folded[1], folded[2], folded[3]}
	for i := LocLen; i < 16; i += LocLen {
		out[0] ^= folded[i]
		out[1] ^= folded[i+1]
		out[2] ^= folded[i+2]
		out[3] ^= folded[i+3]
	}
	return binary.LittleEndian.Uint32(out[:])
}

// Decode parses the 39-byte wire form.
func Decode(raw []byte) (Hash, error) {
	if len(raw) != HashLen {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashLen, len(raw))
	}
	var kind Kind
	found := false
	for k, sig := range signifiers {
		if bytes.Equal(raw[:SignifierLen], sig[:]) {
			kind = k
			found = true
			break
		}
	}
	if !found {
		return Hash{}, fmt.Errorf("unknown hash signifier %x", raw[:SignifierLen])
	}
	h := Hash{kind: kind}
	copy(h.digest[:], raw[SignifierLen:SignifierLen+DigestLen])
	h.loc = binary.LittleEndian.Uint32(raw[SignifierLen+DigestLen:])
	if h.loc != Location(h.digest[:]) {
		return Hash{}, fmt.Errorf("hash location does not match digest")
	}
	return h, nil
}

// Bytes returns the 39-byte wire form.
func (h Hash) Bytes() []byte {
	out := make([]byte, 0, HashLen)
	sig := signifiers[h.kind]
	out = append(out, sig[:]...)
	out = append(out, h.digest[:]...)
	var loc [LocLen]byte
	binary.LittleEndian.PutUint32(loc[:], h.loc)
	return append(out, loc[:]...)
}

// Kind returns the content type the hash addresses.
func (h Hash) Kind() Kind { return h.kind }

// Digest returns the 32-byte digest portion.
func (h Hash) Digest() []byte {
	out := make([]byte, DigestLen)
	copy(out, h.digest[:])
	return out
}

// Loc returns the 4-byte network location as a uint32.
func (h Hash) Loc() uint32 { return h.loc }

// IsZero reports whether the hash is the (invalid) zero value.
func (h Hash) IsZero() bool { return h.digest == [DigestLen]byte{} }

// Equal reports byte equality including kind.
func (h Hash) Equal(o Hash) bool {
	return h.kind == o.kind && h.digest == o.digest
}

// String renders the url-safe base64 display form with the "u" prefix used
// across logs and interfaces.
func (h Hash) String() string {
	return "u" + base64.RawURLEncoding.EncodeToString(h.Bytes())
}

// Parse reverses String.
func Parse(s string) (Hash, error) {
	if len(s) < 2 || s[0] != 'u' {
		return Hash{}, fmt.Errorf("hash string must start with 'u'")
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[1:])
	if err != nil {
		return Hash{}, fmt.Errorf("failed to decode hash string: %w", err)
	}
	return Decode(raw)
}

// MarshalMsgpack encodes the hash as its raw wire bytes. The zero hash
// (genesis prev_action) encodes as empty bytes, since its location suffix
// cannot satisfy the decode check.
func (h Hash) MarshalMsgpack() ([]byte, error) {
	if h.IsZero() {
		return msgpack.Marshal([]byte(nil))
	}
	return msgpack.Marshal(h.Bytes())
}

// UnmarshalMsgpack decodes the raw wire bytes.
func (h *Hash) UnmarshalMsgpack(data []byte) error {
	var raw []byte
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		*h = Hash{}
		return nil
	}
	decoded, err := Decode(raw)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// MarshalText lets hashes act as JSON/YAML map keys in dumps and manifests.
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return nil, nil
	}
	return []byte(h.String()), nil
}

// UnmarshalText reverses MarshalText.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Hash{}
		return nil
	}
	decoded, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

package types

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// Nonce is a single-use value binding a zome call signature to one
// invocation.
type Nonce [32]byte

// ZomeCallParams is the signed envelope of a zome call. The signature covers
// the hash of the serialized unsigned portion.
type ZomeCallParams struct {
	Provenance hash.Hash `msgpack:"provenance"`
	CellID     CellID    `msgpack:"cell_id"`
	ZomeName   string    `msgpack:"zome_name"`
	FnName     string    `msgpack:"fn_name"`
	Payload    []byte    `msgpack:"payload"`
	CapSecret  *CapSecret `msgpack:"cap_secret,omitempty"`
	Nonce      Nonce     `msgpack:"nonce"`
	ExpiresAt  Timestamp `msgpack:"expires_at"`

	Signature Signature `msgpack:"signature"`
}

// unsignedCall is the portion of the envelope covered by the signature.
type unsignedCall struct {
	Provenance hash.Hash  `msgpack:"provenance"`
	CellID     CellID     `msgpack:"cell_id"`
	ZomeName   string     `msgpack:"zome_name"`
	FnName     string     `msgpack:"fn_name"`
	Payload    []byte     `msgpack:"payload"`
	CapSecret  *CapSecret `msgpack:"cap_secret,omitempty"`
	Nonce      Nonce      `msgpack:"nonce"`
	ExpiresAt  Timestamp  `msgpack:"expires_at"`
}

// SigningBytes returns the digest a caller must sign: the blake2b hash of
// the serialized unsigned envelope.
func (p *ZomeCallParams) SigningBytes() ([]byte, error) {
	data, err := msgpack.Marshal(unsignedCall{
		Provenance: p.Provenance,
		CellID:     p.CellID,
		ZomeName:   p.ZomeName,
		FnName:     p.FnName,
		Payload:    p.Payload,
		CapSecret:  p.CapSecret,
		Nonce:      p.Nonce,
		ExpiresAt:  p.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize zome call for signing: %w", err)
	}
	h := hash.New(hash.KindExternal, data)
	return h.Digest(), nil
}

// ZomeCallResult carries the guest's serialized return value.
type ZomeCallResult struct {
	Payload []byte `msgpack:"payload"`
}

// Schedule describes when a scheduled function runs next. Exactly one field
// is set.
type Schedule struct {
	// Persisted: a cron expression, durable across restarts.
	Persisted string `msgpack:"persisted,omitempty"`
	// Ephemeral: a delay in microseconds, lost on restart.
	Ephemeral int64 `msgpack:"ephemeral,omitempty"`
}

// IsPersisted reports whether the schedule survives a restart.
func (s Schedule) IsPersisted() bool { return s.Persisted != "" }

package types

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// ValidationReceipt is an authority's attestation that it validated and
// integrated an op. Authors collect R distinct receipts per op before the
// publish loop stops.
type ValidationReceipt struct {
	OpHash    hash.Hash        `msgpack:"op_hash"`
	Authority hash.Hash        `msgpack:"authority"`
	Status    ValidationStatus `msgpack:"status"`
	Timestamp Timestamp        `msgpack:"timestamp"`
}

// SigningBytes is the serialization the authority signs.
func (r *ValidationReceipt) SigningBytes() ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize receipt: %w", err)
	}
	return data, nil
}

// SignedValidationReceipt pairs a receipt with the authority's signature.
type SignedValidationReceipt struct {
	Receipt   ValidationReceipt `msgpack:"receipt"`
	Signature Signature         `msgpack:"signature"`
}

// Verify checks the signature against the receipt's claimed authority.
func (s *SignedValidationReceipt) Verify(verify func(agent hash.Hash, data, sig []byte) bool) bool {
	data, err := s.Receipt.SigningBytes()
	if err != nil {
		return false
	}
	return verify(s.Receipt.Authority, data, s.Signature)
}

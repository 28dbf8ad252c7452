package publish

import (
	"context"
	"sync"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// ReceiptSender is the authority half of the receipt protocol: after
// integrating a Valid op it signs an attestation and batches it for the
// op's author. Keystore failures are isolated per op so one bad key never
// stalls a batch.
type ReceiptSender struct {
	agent  hash.Hash
	ks     *keystore.Keystore
	net    network.Handle
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string][]types.SignedValidationReceipt // by author hash string
	authors map[string]hash.Hash
	// sent tracks (author, batch) sends within one cycle; a batch is not
	// retried for the same peer until the next cycle.
	sent map[string]bool
}

// NewReceiptSender creates a sender attesting as the given agent.
func NewReceiptSender(agent hash.Hash, ks *keystore.Keystore, net network.Handle) *ReceiptSender {
	return &ReceiptSender{
		agent:   agent,
		ks:      ks,
		net:     net,
		logger:  log.WithComponent("receipts"),
		pending: make(map[string][]types.SignedValidationReceipt),
		authors: make(map[string]hash.Hash),
		sent:    make(map[string]bool),
	}
}

// Attest signs a receipt for an integrated op and queues it for the op's
// author. Called from the integration workflow.
func (s *ReceiptSender) Attest(ctx context.Context, op storage.StoredOp) {
	receipt := types.ValidationReceipt{
		OpHash:    op.OpHash,
		Authority: s.agent,
		Status:    types.StatusValid,
		Timestamp: types.Now(),
	}
	data, err := receipt.SigningBytes()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize receipt")
		return
	}
	sig, err := s.ks.Sign(s.agent, data)
	if err != nil {
		// Per-op isolation: this receipt is lost, the batch is not.
		s.logger.Warn().Err(err).Str("op_hash", op.OpHash.String()).Msg("Failed to sign receipt")
		return
	}

	author := op.Op.SignedAction.Action.Author
	s.mu.Lock()
	key := author.String()
	s.pending[key] = append(s.pending[key], types.SignedValidationReceipt{Receipt: receipt, Signature: sig})
	s.authors[key] = author
	s.mu.Unlock()
}

// Flush sends each author's batch once. Failed sends stay queued for the
// next cycle; a (peer, batch) pair is never retried within the same cycle.
func (s *ReceiptSender) Flush(ctx context.Context) {
	s.mu.Lock()
	batches := make(map[string][]types.SignedValidationReceipt, len(s.pending))
	for k, v := range s.pending {
		if s.sent[k] {
			continue
		}
		batches[k] = v
	}
	s.mu.Unlock()

	for key, batch := range batches {
		s.mu.Lock()
		author := s.authors[key]
		s.sent[key] = true
		s.mu.Unlock()

		if err := s.net.SendReceipts(ctx, author, batch); err != nil {
			s.logger.Debug().Err(err).Str("author", key).Msg("Receipt batch undeliverable, keeping for next cycle")
			continue
		}
		s.mu.Lock()
		delete(s.pending, key)
		delete(s.authors, key)
		s.mu.Unlock()
	}

	// A new cycle may retry everything still pending.
	s.mu.Lock()
	s.sent = make(map[string]bool)
	s.mu.Unlock()
}

// PendingCount reports queued receipts, for state dumps.
func (s *ReceiptSender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, batch := range s.pending {
		n += len(batch)
	}
	return n
}

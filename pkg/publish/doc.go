/*
Package publish implements both halves of the publish/receipt protocol.

Author side (Publisher): after a flush, every authored op sits in the
awaiting-publish queue. Each cycle pushes an op to the N peers nearest its
basis, skipping unreachable peers without blocking, until R distinct
authorities have returned signed validation receipts. Bad signatures don't
count, duplicate authorities count once, and re-publishing an op that
already integrated somewhere is harmless — authorities deduplicate by op
hash.

Authority side (ReceiptSender): after integrating an op with Valid status,
the authority signs an attestation and batches it per op author. A batch is
sent at most once per (author, cycle); keystore failures lose the single
receipt, never the batch.
*/
package publish

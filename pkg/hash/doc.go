/*
Package hash implements the typed content addresses used throughout the
conductor: a 3-byte kind signifier, a 32-byte blake2b-256 digest, and a
4-byte network location folded from the digest.

Agent hashes are special: their digest is the raw ed25519 public key, so the
key is recoverable from the address. Everything else is hashed over its
canonical msgpack serialization.

The location suffix places content on the DHT's location ring. It must be
computed with the same fold as the gossip layer or authorities and authors
disagree about which arc a basis falls in.
*/
package hash

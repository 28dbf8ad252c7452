/*
Package keystore manages agent signing keys and symmetric secrets.

The keystore is treated as an external service by the rest of the conductor:
callers retry transient errors on their own schedule and surface permanent
ErrKeyNotFound failures. This package ships an in-process implementation
backed by crypto/ed25519 for signatures and nacl box/secretbox for the host
ABI's encryption functions.

Private key material never leaves the package. Signing takes an agent hash
and bytes; verification is a free function usable for any agent since the
agent hash embeds the public key.
*/
package keystore

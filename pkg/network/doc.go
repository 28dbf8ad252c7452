/*
Package network defines the conductor core's contract with the p2p layer.

The core never sees gossip internals. It asks the Handle for the nearest N
peers to a basis, pushes authored ops, sends receipts, and issues the
remote queries the host ABI needs. Inbound traffic arrives through the
Receiver interface each cell implements.

Loopback is the in-process implementation: every registered cell is a peer
and delivery is a direct call. Single-node conductors and the test suite
run on it; a transport-backed implementation substitutes behind the same
interfaces.
*/
package network

/*
Package client is the websocket client for the conductor's admin and app
interfaces, shared by the CLI and tests. Requests are nonce-paired with
responses; interleaved signal frames are skipped.
*/
package client

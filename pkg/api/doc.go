/*
Package api serves the conductor's external interfaces over websocket.

Two surfaces exist. The admin interface manages DNAs, apps, cells,
capabilities and app-interface attachment; every command is a synchronous
nonce-paired request/response. The app interface is per-app and
authenticated: an admin command issues a short-lived token bound to an
(app id, allowed origins) pair, the first frame on an app connection must
present it, and everything before that is rejected. Signals broadcast only
to connections authenticated against the signalling app.

Frames are msgpack envelopes: Request and Response pair by id, Signal is a
fire-and-forget notify.
*/
package api

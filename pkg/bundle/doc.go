/*
Package bundle implements the recursive (manifest, resources) packaging
format: YAML manifests, msgpack containers, and resources located inline,
on disk, or behind a URL.

Three manifest shapes exist: DNA (integrity + coordinator zomes), App
(roles with provisioning strategies and DNA references), and WebApp (a UI
bundle plus an app bundle reference). BuildDnaDef turns a DNA bundle into a
runnable definition with bytecode hashes computed.
*/
package bundle

// Package id generates connection identifiers for subscribers that do not
// name themselves.
//
// # Format
//
// An ID is 16 bytes big-endian: [8 bytes ms timestamp][4 bytes node][4
// bytes sequence], printed as 26 characters of Crockford base32. The text
// form sorts the same way the bytes do, so IDs from one node order by
// creation time.
//
// The node tag is an xxhash of a caller-chosen name (host and pid for the
// package default) and keeps IDs from different processes apart.
//
// Usage
//
//	connID := id.New()            // from the process-wide generator
//	g := id.NewGenerator("edge-3")
//	parsed, err := id.Parse(g.Next().String())
package id

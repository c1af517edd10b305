// Package mcp defines the subset of Model Context Protocol wire types used by
// this module: the initialize handshake, tools, and resources. Fields mirror
// the protocol schema; structs marshal directly to the JSON-RPC params and
// result shapes.
package mcp

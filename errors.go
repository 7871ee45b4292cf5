package main

import "errors"

// Protocol and transport error taxonomy. Wire-layer errors map to DNS
// rcodes and never reach session state; the rest are wrapped with %w so
// callers can errors.Is them back out.
var (
	ErrMalformedQuery    = errors.New("malformed query")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrSessionNotFound   = errors.New("session not found")
	ErrChunkConflict     = errors.New("chunk conflict")
	ErrDecrypt           = errors.New("decrypt failed")
	ErrReassembly        = errors.New("reassembly failed")
	ErrUpstreamTransient = errors.New("upstream transient failure")
	ErrUpstreamFatal     = errors.New("upstream failure")
	ErrToolFailed        = errors.New("tool call failed")
	ErrCancelled         = errors.New("cancelled")
	ErrTimeout           = errors.New("timeout")
)

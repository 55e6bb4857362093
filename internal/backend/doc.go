// Package backend defines the contract between the request core and a network
// engine: the engine lifecycle, per-request operations, the callback set the
// engine drives, read buffers, upload providers and the executor the engine
// posts its work to. It also holds the registry of named engines.
package backend

// Package controller implements the per-request callback state machine that
// sits between a network engine and the caller.
//
// A Controller receives the engine's callbacks in order, forwards each one to
// an Observer, issues the engine follow-up (follow or cancel a redirect, read
// the next chunk) and, on the single terminal callback, releases everything it
// holds and signals waiters. Wait turns the asynchronous lifecycle into a
// blocking call.
package controller

// Package engine is the facade hosts use to issue requests. It owns the
// executor, starts and stops the backend, attaches a controller and an
// optional upload source to every request, persists each request and its
// lifecycle events, and fans events out to live subscribers.
package engine

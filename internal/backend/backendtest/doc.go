// Package backendtest provides a scripted in-memory engine and an event
// recorder for tests and for the test server binary.
package backendtest

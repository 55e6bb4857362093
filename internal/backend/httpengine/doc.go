// Package httpengine is a backend.Backend built on real HTTP clients.
//
// Each request runs its network I/O on its own goroutine and delivers every
// callback by posting a runnable to the request's executor. Redirects are never
// followed by the client; each hop surfaces as OnRedirectReceived and waits for
// FollowRedirect or Cancel. Two transports are provided: one over net/http and
// one over fasthttp.
package httpengine

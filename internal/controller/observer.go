package controller

import "github.com/seantiz/netbridge/internal/model"

// Observer receives a request's lifecycle events. Methods are called on the
// goroutine delivering the engine callback, never concurrently for one
// request. Exactly one of OnSucceeded, OnFailed and OnCanceled is called last.
type Observer interface {
	OnRedirectReceived(url, newLocation string, statusCode int, headers model.Headers)
	OnResponseStarted(url string, statusCode int, headers model.Headers)
	OnReadCompleted(chunk []byte)
	OnSucceeded()
	OnFailed(message string)
	OnCanceled()
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	RedirectReceived func(url, newLocation string, statusCode int, headers model.Headers)
	ResponseStarted  func(url string, statusCode int, headers model.Headers)
	ReadCompleted    func(chunk []byte)
	Succeeded        func()
	Failed           func(message string)
	Canceled         func()
}

var _ Observer = ObserverFuncs{}

func (f ObserverFuncs) OnRedirectReceived(url, newLocation string, statusCode int, headers model.Headers) {
	if f.RedirectReceived != nil {
		f.RedirectReceived(url, newLocation, statusCode, headers)
	}
}

func (f ObserverFuncs) OnResponseStarted(url string, statusCode int, headers model.Headers) {
	if f.ResponseStarted != nil {
		f.ResponseStarted(url, statusCode, headers)
	}
}

func (f ObserverFuncs) OnReadCompleted(chunk []byte) {
	if f.ReadCompleted != nil {
		f.ReadCompleted(chunk)
	}
}

func (f ObserverFuncs) OnSucceeded() {
	if f.Succeeded != nil {
		f.Succeeded()
	}
}

func (f ObserverFuncs) OnFailed(message string) {
	if f.Failed != nil {
		f.Failed(message)
	}
}

func (f ObserverFuncs) OnCanceled() {
	if f.Canceled != nil {
		f.Canceled()
	}
}

// Tee fans every event out to each non-nil observer in order.
func Tee(observers ...Observer) Observer {
	out := make(tee, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type tee []Observer

func (t tee) OnRedirectReceived(url, newLocation string, statusCode int, headers model.Headers) {
	for _, o := range t {
		o.OnRedirectReceived(url, newLocation, statusCode, headers)
	}
}

func (t tee) OnResponseStarted(url string, statusCode int, headers model.Headers) {
	for _, o := range t {
		o.OnResponseStarted(url, statusCode, headers)
	}
}

func (t tee) OnReadCompleted(chunk []byte) {
	for _, o := range t {
		o.OnReadCompleted(chunk)
	}
}

func (t tee) OnSucceeded() {
	for _, o := range t {
		o.OnSucceeded()
	}
}

func (t tee) OnFailed(message string) {
	for _, o := range t {
		o.OnFailed(message)
	}
}

func (t tee) OnCanceled() {
	for _, o := range t {
		o.OnCanceled()
	}
}

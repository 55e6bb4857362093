package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/backend/backendtest"
	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/engine"
	"github.com/seantiz/netbridge/internal/model"
	"github.com/seantiz/netbridge/internal/store"
)

const helloURL = "https://example.com/hello"

func newTestEngine(t *testing.T, b *backendtest.Engine, cfg engine.Config) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.New(b, s, cfg, logger)
	return eng, s
}

func startedEngine(t *testing.T, b *backendtest.Engine) (*engine.Engine, store.Store) {
	t.Helper()
	eng, s := newTestEngine(t, b, engine.DefaultConfig())
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { eng.Shutdown(context.Background()) })
	return eng, s
}

func helloBackend() *backendtest.Engine {
	b := backendtest.New()
	b.Handle(helloURL, backendtest.Script{
		Headers:   model.Headers{{Name: "Content-Type", Value: "text/plain"}},
		Body:      []byte("hello world"),
		ChunkSize: 4,
	})
	return b
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartRequestHappyPath(t *testing.T) {
	eng, s := startedEngine(t, helloBackend())
	rec := backendtest.NewRecorder()

	h, err := eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL, FollowRedirects: true}, rec)
	if err != nil {
		t.Fatalf("StartRequest: %v", err)
	}

	resp, err := h.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.StatusCode != 200 || resp.Text() != "hello world" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Text())
	}
	if got := string(rec.Body()); got != "hello world" {
		t.Errorf("observer body = %q", got)
	}

	stored, err := s.GetRequest(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if stored.Status != model.StatusSucceeded {
		t.Errorf("stored status = %q, want succeeded", stored.Status)
	}
	if stored.StatusCode == nil || *stored.StatusCode != 200 {
		t.Errorf("stored status code = %v, want 200", stored.StatusCode)
	}
	if stored.BytesReceived != int64(len("hello world")) {
		t.Errorf("bytes_received = %d", stored.BytesReceived)
	}
	if stored.Method != model.DefaultMethod || stored.Backend != "scripted" {
		t.Errorf("method/backend = %q/%q", stored.Method, stored.Backend)
	}
	if stored.StartedAt == nil || stored.FinishedAt == nil || stored.DurationMS == nil {
		t.Error("timestamps or duration not recorded")
	}

	events, err := s.GetEvents(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("got %d events, want at least 3", len(events))
	}
	if events[0].Type != model.EventResponseStarted {
		t.Errorf("first event = %q, want response_started", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != model.EventSucceeded {
		t.Errorf("last event = %q, want succeeded", last.Type)
	}
	for i, ev := range events {
		if ev.Seq != i {
			t.Errorf("event[%d].Seq = %d", i, ev.Seq)
		}
	}
	if eng.InFlight() != 0 {
		t.Errorf("InFlight = %d after completion", eng.InFlight())
	}
}

func TestStartPassesParams(t *testing.T) {
	b := helloBackend()
	cfg := engine.DefaultConfig()
	cfg.UserAgent = "netbridge-test/1.0"
	cfg.ProxyRules = "http://proxy.internal:3128"
	cfg.CacheMode = backend.CacheEnabled
	cfg.EnableQUIC = true

	eng, _ := newTestEngine(t, b, cfg)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	p := b.Params()
	if p.UserAgent != cfg.UserAgent || p.ProxyRules != cfg.ProxyRules {
		t.Errorf("params = %+v", p)
	}
	if p.CacheMode != backend.CacheEnabled || !p.EnableQUIC || !p.EnableHTTP2 {
		t.Errorf("params toggles = %+v", p)
	}
	if !eng.Running() {
		t.Error("Running() = false after Start")
	}
}

func TestStartErrorPropagates(t *testing.T) {
	b := backendtest.New(backendtest.WithStartError(backend.StartIllegalArgument))
	eng, _ := newTestEngine(t, b, engine.DefaultConfig())

	err := eng.Start()
	var startErr *backend.StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("Start error = %v, want *backend.StartError", err)
	}
	if startErr.Code != backend.StartIllegalArgument {
		t.Errorf("code = %v, want illegal_argument", startErr.Code)
	}
	if eng.Running() {
		t.Error("engine running after failed start")
	}

	_, err = eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL}, nil)
	if !errors.Is(err, engine.ErrNotStarted) {
		t.Errorf("StartRequest err = %v, want ErrNotStarted", err)
	}
}

func TestStartTwice(t *testing.T) {
	eng, _ := startedEngine(t, helloBackend())
	if err := eng.Start(); !errors.Is(err, engine.ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestStartRequestInvalidParams(t *testing.T) {
	eng, _ := startedEngine(t, helloBackend())
	_, err := eng.StartRequest(context.Background(), model.RequestParams{URL: "ftp://example.com"}, nil)
	if !errors.Is(err, model.ErrInvalidParams) {
		t.Errorf("err = %v, want ErrInvalidParams", err)
	}
}

func TestCancelUnknownAndFinished(t *testing.T) {
	eng, _ := startedEngine(t, helloBackend())

	if err := eng.Cancel(context.Background(), model.NewID()); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Cancel(unknown) = %v, want ErrNotFound", err)
	}

	h, err := eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL}, nil)
	if err != nil {
		t.Fatalf("StartRequest: %v", err)
	}
	if _, err := h.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := eng.Cancel(context.Background(), h.ID()); err != nil {
		t.Errorf("Cancel(finished) = %v, want nil", err)
	}
}

func TestCancelInFlight(t *testing.T) {
	b := backendtest.New()
	b.Handle(helloURL, backendtest.Script{Hang: true})
	eng, s := startedEngine(t, b)
	rec := backendtest.NewRecorder()

	h, err := eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL}, rec)
	if err != nil {
		t.Fatalf("StartRequest: %v", err)
	}
	if _, ok := eng.Lookup(h.ID()); !ok {
		t.Fatal("Lookup did not find in-flight request")
	}

	if err := eng.Cancel(context.Background(), h.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := h.Wait(waitCtx(t)); !errors.Is(err, controller.ErrCanceled) {
		t.Errorf("Wait err = %v, want ErrCanceled", err)
	}
	if rec.Count(model.EventCanceled) != 1 {
		t.Errorf("observer events = %v, want one canceled", rec.Types())
	}

	stored, err := s.GetRequest(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if stored.Status != model.StatusCanceled {
		t.Errorf("stored status = %q, want canceled", stored.Status)
	}
	if _, ok := eng.Lookup(h.ID()); ok {
		t.Error("canceled request still in flight")
	}
}

func TestDoReturnsResponse(t *testing.T) {
	eng, _ := startedEngine(t, helloBackend())
	resp, err := eng.Do(context.Background(), model.RequestParams{URL: helloURL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Headers.Get("content-type") != "text/plain" {
		t.Errorf("headers = %v", resp.Headers)
	}
}

func TestDoFailure(t *testing.T) {
	eng, s := startedEngine(t, backendtest.New())

	_, err := eng.Do(context.Background(), model.RequestParams{URL: "https://nowhere.invalid/"})
	var reqErr *controller.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Do err = %v, want *controller.RequestError", err)
	}
	if reqErr.Code != backend.ErrorHostnameNotResolved {
		t.Errorf("code = %v, want hostname_not_resolved", reqErr.Code)
	}

	stored, err := s.GetRequest(context.Background(), reqErr.RequestID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if stored.Status != model.StatusFailed || stored.Error == "" {
		t.Errorf("stored = %q %q, want failed with message", stored.Status, stored.Error)
	}
}

func TestDoTimeoutCancelsRequest(t *testing.T) {
	b := backendtest.New()
	b.Handle(helloURL, backendtest.Script{Hang: true})
	eng, s := startedEngine(t, b)

	_, err := eng.Do(context.Background(), model.RequestParams{URL: helloURL, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do err = %v, want DeadlineExceeded", err)
	}
	if eng.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0 after Do returned", eng.InFlight())
	}

	list, total, err := s.ListRequests(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if total != 1 || list[0].Status != model.StatusCanceled {
		t.Errorf("requests = %d, status %q, want one canceled", total, list[0].Status)
	}
}

func TestRedirectDenied(t *testing.T) {
	b := backendtest.New()
	b.Handle(helloURL, backendtest.Script{
		Redirects: []backendtest.Redirect{{StatusCode: 302, Location: "https://example.com/moved"}},
		Body:      []byte("moved"),
	})
	eng, s := startedEngine(t, b)

	_, err := eng.Do(context.Background(), model.RequestParams{URL: helloURL, FollowRedirects: false})
	var redirErr *controller.RedirectError
	if !errors.As(err, &redirErr) {
		t.Fatalf("Do err = %v, want *controller.RedirectError", err)
	}
	if redirErr.Location != "https://example.com/moved" || redirErr.StatusCode != 302 {
		t.Errorf("redirect = %+v", redirErr)
	}

	events, _ := s.GetEvents(context.Background(), b.Requests()[0].ID)
	if len(events) != 2 || events[0].Type != model.EventRedirect || events[1].Type != model.EventCanceled {
		t.Errorf("events = %+v, want redirect then canceled", events)
	}
}

func TestUploadBodyIsSent(t *testing.T) {
	const echoURL = "https://example.com/echo"
	b := backendtest.New()
	b.Handle(echoURL, backendtest.Script{StatusCode: 201})
	eng, _ := startedEngine(t, b)

	body := bytes.Repeat([]byte("u"), 100_000)
	resp, err := eng.Do(context.Background(), model.RequestParams{URL: echoURL, Method: "POST", Body: body})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}

	reqs := b.Requests()
	if len(reqs) != 1 || !bytes.Equal(reqs[0].Body, body) {
		t.Fatalf("backend received %d requests, body match = %v", len(reqs), len(reqs) == 1 && bytes.Equal(reqs[0].Body, body))
	}
	if reqs[0].Method != "POST" {
		t.Errorf("method = %q, want POST", reqs[0].Method)
	}
}

func TestBrokerStreamsLiveEvents(t *testing.T) {
	b := backendtest.New()
	b.Handle(helloURL, backendtest.Script{Hang: true})
	eng, _ := startedEngine(t, b)

	h, err := eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL}, nil)
	if err != nil {
		t.Fatalf("StartRequest: %v", err)
	}
	ch, unsub := eng.Broker().Subscribe(h.ID())
	defer unsub()

	h.Cancel()

	var got []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}
	if len(got) != 1 || got[0] != model.EventCanceled {
		t.Errorf("streamed events = %v, want [canceled]", got)
	}
}

func TestShutdownCancelsInFlight(t *testing.T) {
	b := backendtest.New()
	b.Handle(helloURL, backendtest.Script{Hang: true})
	eng, s := newTestEngine(t, b, engine.DefaultConfig())
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	handles := make([]*engine.Handle, 3)
	for i := range handles {
		h, err := eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL}, nil)
		if err != nil {
			t.Fatalf("StartRequest[%d]: %v", i, err)
		}
		handles[i] = h
	}
	if eng.InFlight() != 3 {
		t.Fatalf("InFlight = %d, want 3", eng.InFlight())
	}

	if err := eng.Shutdown(waitCtx(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Errorf("handle %d not done after Shutdown", i)
		}
		stored, err := s.GetRequest(context.Background(), h.ID())
		if err != nil {
			t.Fatalf("GetRequest: %v", err)
		}
		if stored.Status != model.StatusCanceled {
			t.Errorf("request %d status = %q, want canceled", i, stored.Status)
		}
	}
	if b.ShutdownCalls() != 1 {
		t.Errorf("backend shutdown calls = %d, want 1", b.ShutdownCalls())
	}

	if _, err := eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL}, nil); !errors.Is(err, engine.ErrShuttingDown) {
		t.Errorf("StartRequest after shutdown = %v, want ErrShuttingDown", err)
	}
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
	if b.ShutdownCalls() != 1 {
		t.Errorf("backend shutdown calls = %d after second Shutdown, want 1", b.ShutdownCalls())
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	b := helloBackend()
	eng, _ := newTestEngine(t, b, engine.DefaultConfig())
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if b.ShutdownCalls() != 0 {
		t.Errorf("backend shutdown calls = %d, want 0", b.ShutdownCalls())
	}
	if err := eng.Start(); !errors.Is(err, engine.ErrShuttingDown) {
		t.Errorf("Start after Shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestRateLimiterBoundsStart(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.RequestsPerSecond = 0.5
	cfg.Burst = 1
	eng, _ := newTestEngine(t, helloBackend(), cfg)
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Shutdown(context.Background())

	if _, err := eng.StartRequest(context.Background(), model.RequestParams{URL: helloURL}, nil); err != nil {
		t.Fatalf("first StartRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := eng.StartRequest(ctx, model.RequestParams{URL: helloURL}, nil); err == nil {
		t.Error("second StartRequest within the limit window succeeded, want rate limit error")
	}
}

func TestConcurrentRequests(t *testing.T) {
	b := backendtest.New(backendtest.WithFallback(backendtest.Script{Body: []byte("ok")}))
	eng, s := startedEngine(t, b)

	errs := make(chan error, 20)
	for range 20 {
		go func() {
			resp, err := eng.Do(context.Background(), model.RequestParams{URL: "https://example.com/any"})
			if err == nil && resp.Text() != "ok" {
				err = errors.New("unexpected body " + resp.Text())
			}
			errs <- err
		}()
	}
	for range 20 {
		if err := <-errs; err != nil {
			t.Errorf("Do: %v", err)
		}
	}

	stats, err := s.GetRequestStats(context.Background())
	if err != nil {
		t.Fatalf("GetRequestStats: %v", err)
	}
	if stats.CountByStatus[model.StatusSucceeded] != 20 {
		t.Errorf("succeeded = %d, want 20", stats.CountByStatus[model.StatusSucceeded])
	}
	if got := eng.ExecutorStats(); got.Executed == 0 || got.Panicked != 0 {
		t.Errorf("executor stats = %+v", got)
	}
}

func TestTimeoutPrefersRequestBound(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.RequestTimeout = 7 * time.Second
	eng, _ := newTestEngine(t, helloBackend(), cfg)

	if got := eng.Timeout(model.RequestParams{URL: helloURL}); got != 7*time.Second {
		t.Errorf("Timeout without request bound = %v, want 7s", got)
	}
	if got := eng.Timeout(model.RequestParams{URL: helloURL, Timeout: time.Second}); got != time.Second {
		t.Errorf("Timeout with request bound = %v, want 1s", got)
	}
}

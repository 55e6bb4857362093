package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/backend/httpengine"
	"github.com/seantiz/netbridge/internal/config"
	"github.com/seantiz/netbridge/internal/controller"
	"github.com/seantiz/netbridge/internal/engine"
	"github.com/seantiz/netbridge/internal/model"
	"github.com/seantiz/netbridge/internal/store"
)

type fetchOptions struct {
	method     string
	headers    []string
	data       string
	dataFile   string
	noFollow   bool
	include    bool
	output     string
	backend    string
	proxy      string
	userAgent  string
	bufferSize string
	timeout    time.Duration
	dbPath     string
	verbose    bool
}

// loadConfig overlays the flags that were set on the environment config.
func (o *fetchOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = strings.ToLower(o.backend)
	}
	if flags.Changed("proxy") {
		cfg.ProxyRules = o.proxy
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent = o.userAgent
	}
	if flags.Changed("buffer-size") {
		n, err := humanize.ParseBytes(o.bufferSize)
		if err != nil || n == 0 {
			return cfg, fmt.Errorf("invalid --buffer-size %q", o.bufferSize)
		}
		cfg.ReadBufferSize = int(n)
	}
	if flags.Changed("timeout") && o.timeout > 0 {
		cfg.RequestTimeout = o.timeout
	}
	return cfg, nil
}

// params builds the request from the flags.
func (o *fetchOptions) params(rawURL string) (model.RequestParams, error) {
	p := model.RequestParams{
		URL:             rawURL,
		Method:          strings.ToUpper(o.method),
		FollowRedirects: !o.noFollow,
	}

	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return p, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		p.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	switch {
	case o.dataFile != "":
		body, err := os.ReadFile(o.dataFile)
		if err != nil {
			return p, fmt.Errorf("read body: %w", err)
		}
		p.Body = body
	case o.data != "":
		p.Body = []byte(o.data)
	}
	if p.Method == "" && p.Body != nil {
		p.Method = "POST"
	}
	return p, p.Validate()
}

func runFetch(cmd *cobra.Command, rawURL string, o *fetchOptions) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}
	params, err := o.params(rawURL)
	if err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(errOut, level)

	db, err := store.NewSQLiteStore(o.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	httpengine.Register(reg,
		httpengine.WithLogger(logger),
		httpengine.WithMaxRedirects(cfg.MaxRedirects),
	)
	b, err := reg.Resolve(cfg.Backend)
	if err != nil {
		return err
	}

	eng := engine.New(b, db, cfg.EngineConfig(), logger)
	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Shutdown(context.Background())

	out := cmd.OutOrStdout()
	if o.output != "" {
		f, err := os.Create(o.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	p := &printer{out: out, errOut: errOut, include: o.include, verbose: o.verbose}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	h, err := eng.StartRequest(ctx, params, p)
	if err != nil {
		return err
	}
	if o.verbose {
		fmt.Fprintf(errOut, "* %s %s (request %s, backend %s)\n", params.Method, params.URL, h.ID(), eng.BackendName())
	}

	_, err = h.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		h.Cancel()
		<-h.Done()
		return fmt.Errorf("request timed out after %s", cfg.RequestTimeout)
	}

	var redirErr *controller.RedirectError
	if errors.As(err, &redirErr) {
		return fmt.Errorf("redirect not followed: %d %s", redirErr.StatusCode, redirErr.Location)
	}
	if err != nil {
		return err
	}
	if p.err != nil {
		return fmt.Errorf("write body: %w", p.err)
	}

	if o.verbose {
		sum := h.Summary()
		fmt.Fprintf(errOut, "* received %s in %s, %d redirect(s)\n",
			humanize.Bytes(uint64(sum.BytesReceived)), time.Since(start).Round(time.Millisecond), sum.Redirects)
	}
	return nil
}

// printer streams the response as lifecycle events arrive. Observer calls
// are serialized per request, so it needs no lock; err is read only after
// the request finished.
type printer struct {
	out     io.Writer
	errOut  io.Writer
	include bool
	verbose bool
	err     error
}

var _ controller.Observer = (*printer)(nil)

func (p *printer) OnRedirectReceived(url, newLocation string, statusCode int, _ model.Headers) {
	if p.verbose {
		fmt.Fprintf(p.errOut, "* %d redirect %s -> %s\n", statusCode, url, newLocation)
	}
}

func (p *printer) OnResponseStarted(url string, statusCode int, headers model.Headers) {
	if p.verbose {
		fmt.Fprintf(p.errOut, "< %d from %s\n", statusCode, url)
	}
	if !p.include {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d\n", statusCode)
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\n", h.Name, h.Value)
	}
	b.WriteString("\n")
	p.write([]byte(b.String()))
}

func (p *printer) OnReadCompleted(chunk []byte) {
	p.write(chunk)
}

func (p *printer) OnSucceeded() {}

func (p *printer) OnFailed(message string) {
	if p.verbose {
		fmt.Fprintf(p.errOut, "* failed: %s\n", message)
	}
}

func (p *printer) OnCanceled() {
	if p.verbose {
		fmt.Fprintln(p.errOut, "* canceled")
	}
}

func (p *printer) write(b []byte) {
	if p.err != nil {
		return
	}
	_, p.err = p.out.Write(b)
}

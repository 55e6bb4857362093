package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolateEnv keeps the developer's NETBRIDGE_* settings out of the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NETBRIDGE_CONFIG", "NETBRIDGE_BACKEND", "NETBRIDGE_PROXY_RULES",
		"NETBRIDGE_USER_AGENT", "NETBRIDGE_READ_BUFFER_SIZE", "NETBRIDGE_REQUEST_TIMEOUT",
		"NETBRIDGE_REQUESTS_PER_SECOND",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("NETBRIDGE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	isolateEnv(t)
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent", r.UserAgent())
		w.Write([]byte("hello netfetch"))
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
		io.Copy(w, r.Body)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hello", http.StatusFound)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchWritesBody(t *testing.T) {
	ts := newSite(t)
	for _, b := range []string{"nethttp", "fasthttp"} {
		t.Run(b, func(t *testing.T) {
			out, _, err := run(t, "--backend", b, ts.URL+"/hello")
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out != "hello netfetch" {
				t.Errorf("stdout = %q", out)
			}
		})
	}
}

func TestFetchIncludeHeaders(t *testing.T) {
	ts := newSite(t)
	out, _, err := run(t, "-i", "-A", "netfetch-test/1", ts.URL+"/hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "HTTP 200\n") {
		t.Errorf("stdout does not start with the status line: %q", out)
	}
	if !strings.Contains(out, "X-Agent: netfetch-test/1\n") {
		t.Errorf("stdout missing user agent echo: %q", out)
	}
	if !strings.HasSuffix(out, "\n\nhello netfetch") {
		t.Errorf("body not after a blank line: %q", out)
	}
}

func TestFetchPostsData(t *testing.T) {
	ts := newSite(t)
	out, _, err := run(t, "-i", "-d", "payload", "-H", "X-Custom: yes", ts.URL+"/echo")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "X-Method: POST\n") || !strings.Contains(out, "X-Custom: yes\n") {
		t.Errorf("headers = %q", out)
	}
	if !strings.HasSuffix(out, "payload") {
		t.Errorf("body = %q, want echoed payload", out)
	}
}

func TestFetchDataFileAndOutputFile(t *testing.T) {
	ts := newSite(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	outPath := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(in, []byte("from a file"), 0o644); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := run(t, "-X", "put", "--data-file", in, "-o", outPath, ts.URL+"/echo")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stdout != "" {
		t.Errorf("stdout = %q, want empty when -o is set", stdout)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "from a file" {
		t.Errorf("output file = %q", got)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	ts := newSite(t)
	out, errOut, err := run(t, "-v", ts.URL+"/moved")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello netfetch" {
		t.Errorf("stdout = %q", out)
	}
	if !strings.Contains(errOut, "302 redirect") || !strings.Contains(errOut, "1 redirect(s)") {
		t.Errorf("verbose output = %q", errOut)
	}
}

func TestFetchNoFollow(t *testing.T) {
	ts := newSite(t)
	_, _, err := run(t, "--no-follow", ts.URL+"/moved")
	if err == nil || !strings.Contains(err.Error(), "redirect not followed: 302") {
		t.Errorf("err = %v, want redirect not followed", err)
	}
}

func TestFetchRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no url", nil},
		{"bad header", []string{"-H", "NoColon", "http://127.0.0.1/"}},
		{"bad scheme", []string{"ftp://example.com/"}},
		{"bad buffer size", []string{"--buffer-size", "huge", "http://127.0.0.1/"}},
		{"unknown backend", []string{"--backend", "curl", "http://127.0.0.1/"}},
		{"bad proxy", []string{"--proxy", "gopher://proxy:70", "http://127.0.0.1/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := run(t, tt.args...); err == nil {
				t.Error("Execute succeeded, want error")
			}
		})
	}
}

func TestBackendsCommand(t *testing.T) {
	out, _, err := run(t, "backends")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "fasthttp") || !strings.HasPrefix(lines[1], "nethttp") {
		t.Errorf("backends output = %q", out)
	}
	if !strings.Contains(lines[1], "streaming=true") {
		t.Errorf("nethttp line = %q, want streaming=true", lines[1])
	}
}

package model

import (
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
	if !ValidID(id) {
		t.Errorf("ValidID(%q) = false, want true", id)
	}
}

func TestValidIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "not-a-ulid-not-a-ulid-xxxx"} {
		if ValidID(s) {
			t.Errorf("ValidID(%q) = true, want false", s)
		}
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusCreated, StatusStarted, true},
		{StatusStarted, StatusRedirecting, true},
		{StatusRedirecting, StatusStarted, true},
		{StatusStarted, StatusHeadersReceived, true},
		{StatusHeadersReceived, StatusReading, true},
		{StatusReading, StatusReading, true},
		{StatusReading, StatusSucceeded, true},
		{StatusStarted, StatusCanceled, true},
		{StatusRedirecting, StatusCanceled, true},

		{StatusCreated, StatusReading, false},
		{StatusStarted, StatusReading, false},
		{StatusStarted, StatusSucceeded, false},
		{StatusHeadersReceived, StatusSucceeded, false},
		{StatusRedirecting, StatusHeadersReceived, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusCanceled, StatusStarted, false},
		{StatusFailed, StatusFailed, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false", s)
		}
	}
	for _, s := range []string{StatusCreated, StatusStarted, StatusRedirecting, StatusHeadersReceived, StatusReading} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true", s)
		}
	}
}

func TestHeadersPreserveDuplicates(t *testing.T) {
	var h Headers
	h.Add("X", "1")
	h.Add("X", "2")
	h.Add("Content-Type", "text/plain")

	if len(h) != 3 {
		t.Fatalf("len = %d, want 3", len(h))
	}
	vals := h.Values("x")
	if len(vals) != 2 || vals[0] != "1" || vals[1] != "2" {
		t.Errorf("Values(x) = %v, want [1 2]", vals)
	}
	if got := h.Get("content-type"); got != "text/plain" {
		t.Errorf("Get(content-type) = %q", got)
	}
	if got := h.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}

	c := h.Clone()
	c[0].Value = "changed"
	if h[0].Value != "1" {
		t.Error("Clone shares backing array with original")
	}
}

func TestRequestParamsValidate(t *testing.T) {
	p := RequestParams{URL: "https://example.com/a"}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Method != DefaultMethod {
		t.Errorf("Method = %q, want %q", p.Method, DefaultMethod)
	}

	bad := []RequestParams{
		{URL: ""},
		{URL: "ftp://example.com"},
		{URL: "http://"},
		{URL: "://bad"},
		{URL: "http://example.com", Method: "GE T"},
		{URL: "http://example.com", Headers: Headers{{Name: "Bad Name", Value: "v"}}},
	}
	for i, p := range bad {
		err := p.Validate()
		if !errors.Is(err, ErrInvalidParams) {
			t.Errorf("bad[%d]: err = %v, want ErrInvalidParams", i, err)
		}
	}
}

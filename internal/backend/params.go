package backend

import (
	"fmt"
	"strings"
)

// CacheMode selects the engine HTTP cache behaviour.
type CacheMode int

const (
	CacheDisabled CacheMode = iota
	CacheEnabled
)

func (m CacheMode) String() string {
	switch m {
	case CacheDisabled:
		return "disabled"
	case CacheEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("CacheMode(%d)", int(m))
	}
}

// ParseCacheMode accepts "disabled"/"off"/"" and "enabled"/"on"/"memory".
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled", "off", "none":
		return CacheDisabled, nil
	case "enabled", "on", "memory":
		return CacheEnabled, nil
	default:
		return CacheDisabled, fmt.Errorf("unknown cache mode %q", s)
	}
}

// Params configures an engine at start.
type Params struct {
	UserAgent string

	// ProxyRules is empty for no explicit proxy, otherwise a proxy URL
	// such as "http://proxy.local:3128".
	ProxyRules string

	CacheMode   CacheMode
	EnableQUIC  bool
	EnableHTTP2 bool
}

// DefaultUserAgent is used when Params.UserAgent is empty.
const DefaultUserAgent = "netbridge"

// StartResult is the native result code of an engine start.
type StartResult int

const (
	StartSuccess StartResult = iota
	StartIllegalArgument
	StartIllegalArgumentStoragePath
	StartIllegalArgumentInvalidPin
	StartIllegalArgumentInvalidHostname
	StartIllegalState
	StartIllegalStateStoragePathInUse
	StartIllegalStateAlreadyStarted
	StartIllegalStateNotStarted
	StartNullPointer
)

var startResultNames = map[StartResult]string{
	StartSuccess:                        "success",
	StartIllegalArgument:                "illegal_argument",
	StartIllegalArgumentStoragePath:     "illegal_argument_storage_path_must_exist",
	StartIllegalArgumentInvalidPin:      "illegal_argument_invalid_pin",
	StartIllegalArgumentInvalidHostname: "illegal_argument_invalid_hostname",
	StartIllegalState:                   "illegal_state",
	StartIllegalStateStoragePathInUse:   "illegal_state_storage_path_in_use",
	StartIllegalStateAlreadyStarted:     "illegal_state_already_started",
	StartIllegalStateNotStarted:         "illegal_state_not_started",
	StartNullPointer:                    "null_pointer",
}

func (r StartResult) String() string {
	if s, ok := startResultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("StartResult(%d)", int(r))
}

// StartError reports a non-success engine start.
type StartError struct {
	Code   StartResult
	Detail string
}

func (e *StartError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("engine start failed: %s (%d)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("engine start failed: %s (%d): %s", e.Code, int(e.Code), e.Detail)
}

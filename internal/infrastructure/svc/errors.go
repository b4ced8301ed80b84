package svc

import "errors"

// ErrStorageInitFailed wraps failures opening an enabled storage backend
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrTokenUnavailable is returned when no vendor token can be obtained at startup
var ErrTokenUnavailable = errors.New("vendor token unavailable")

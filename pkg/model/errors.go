package model

import (
	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrTransient is a network failure, timeout, 5xx or 429 from a remote API
	ErrTransient = goerr.New("transient network error")

	// ErrAuth is a 401/403 from a remote API. Never retried.
	ErrAuth = goerr.New("authentication failed")

	// ErrHTTPStatus is any other non-2xx response
	ErrHTTPStatus = goerr.New("unexpected http status")

	// ErrNotFound is a 404 from a per-record lookup
	ErrNotFound = goerr.New("resource not found")

	// ErrJobFailed means the source reported the export job as failed
	ErrJobFailed = goerr.New("export job failed")

	// ErrJobTimeout means the export job did not reach a terminal state within the poll budget
	ErrJobTimeout = goerr.New("export job timed out")

	// ErrDecode means the export payload matched none of the supported encodings
	ErrDecode = goerr.New("failed to decode export payload")

	// ErrSinkWrite means a batch upsert to a destination failed
	ErrSinkWrite = goerr.New("failed to write batch to sink")

	// ErrInvalidConfig is a missing or malformed startup setting
	ErrInvalidConfig = goerr.New("invalid configuration")
)

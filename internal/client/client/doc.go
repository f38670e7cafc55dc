// Package client talks to the pilotauth HTTP API on behalf of the CLI.
//
// # Overview
//
// HTTPClient wraps the registration, login, refresh and pilot info endpoints.
// After Login or Refresh it keeps the current token pair so later calls can
// authenticate as the pilot.
//
// # Error Handling
//
// Transport failures map to ErrUnavailable. Non-2xx replies become *APIError,
// which matches ErrUnauthorized, ErrConflict, ErrTooManyAttempts or
// ErrBadRequest via errors.Is depending on the status code.
package client

// Package cli provides the interactive pilotauth command-line client.
//
// It wires configuration and the HTTP API client into a small REPL that lets
// an operator register pilots and lets a pilot log in, rotate its refresh
// token and inspect its identity. Secrets and admin tokens are read from the
// terminal without echo.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli

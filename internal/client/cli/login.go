package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diracgrid/pilotauth/internal/client/client"
	"github.com/diracgrid/pilotauth/internal/common"
)

// Login exchanges a pilot reference and secret for tokens.
func (a *App) Login(ctx context.Context) {

	ref, err := GetSimpleText(a.reader, "Enter pilot job reference", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	secret, err := getSecret(a.out, "Enter pilot secret")
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	defer common.WipeByteArray(secret)

	tokens, err := a.api.Login(ctx, ref, string(secret))
	if err != nil {
		switch {
		case client.IsUnavailable(err):
			fmt.Fprintln(a.out, "Server unavailable")
		case errors.Is(err, client.ErrTooManyAttempts):
			fmt.Fprintln(a.out, "Too many failed attempts, try again later")
		default:
			fmt.Fprintf(a.out, "Login unsuccessful: %v\n", err)
		}
		return
	}

	a.pilotRef = ref
	fmt.Fprintf(a.out, "Login successful, access token valid for %s\n", time.Duration(tokens.ExpiresIn)*time.Second)
}

// Refresh rotates the refresh token of the logged-in pilot.
func (a *App) Refresh(ctx context.Context) {
	tokens, err := a.api.Refresh(ctx)
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) || errors.Is(err, client.ErrNotLoggedIn) {
			a.pilotRef = ""
			fmt.Fprintln(a.out, "Session expired, please log in again")
			return
		}
		fmt.Fprintf(a.out, "Refresh failed: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "Tokens refreshed, access token valid for %s\n", time.Duration(tokens.ExpiresIn)*time.Second)
}

// Info prints the identity of the logged-in pilot.
func (a *App) Info(ctx context.Context) {
	info, err := a.api.Info(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "reference: %s\nvo: %s\ngrid type: %s\nstatus: %s\nscope: %s\n",
		info.PilotJobReference, info.VO, info.GridType, info.Status, info.Scope)
}

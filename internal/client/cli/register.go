package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/diracgrid/pilotauth/internal/client/client"
	"github.com/diracgrid/pilotauth/internal/common"
)

// Register asks for a VO and a list of pilot references and prints the
// secrets the server issued for them.
func (a *App) Register(ctx context.Context) {

	vo, err := GetSimpleText(a.reader, "Enter VO", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	refsLine, err := GetSimpleText(a.reader, "Enter pilot references (space separated)", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	gridType, err := GetSimpleText(a.reader, "Enter grid type (empty for "+common.DefaultGridType+")", a.out)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}

	adminToken := a.config.AdminToken
	if adminToken == "" {
		tok, err := getSecret(a.out, "Enter admin token")
		if err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
			return
		}
		adminToken = string(tok)
		common.WipeByteArray(tok)
	}

	creds, err := a.api.Register(ctx, adminToken, client.RegisterRequest{
		PilotReferences: strings.Fields(refsLine),
		VO:              vo,
		GridType:        gridType,
	})
	if err != nil {
		switch {
		case errors.Is(err, client.ErrConflict):
			fmt.Fprintf(a.out, "Some pilots already exist: %v\n", err)
		case errors.Is(err, client.ErrUnauthorized):
			fmt.Fprintln(a.out, "Admin token rejected")
		default:
			fmt.Fprintf(a.out, "Registration failed: %v\n", err)
		}
		return
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tSECRET")
	for _, c := range creds {
		fmt.Fprintf(tw, "%s\t%s\n", c.PilotJobReference, c.PilotSecret)
	}
	_ = tw.Flush()
}

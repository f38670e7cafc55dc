package cli

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/diracgrid/pilotauth/internal/client/client"
	"github.com/diracgrid/pilotauth/internal/client/config"
)

// API is the subset of client.HTTPClient the commands use.
type API interface {
	Register(ctx context.Context, adminToken string, req client.RegisterRequest) ([]client.Credential, error)
	Login(ctx context.Context, ref, secret string) (*client.Tokens, error)
	Refresh(ctx context.Context) (*client.Tokens, error)
	Info(ctx context.Context) (*client.PilotInfo, error)
	Ping(ctx context.Context) error
	Logout()
}

type App struct {
	config   *config.Config
	api      API
	reader   *bufio.Reader
	out      io.Writer
	pilotRef string
}

func NewApp(c *config.Config) (*App, error) {
	apiClient := client.NewHTTPClient(c.ServerURL, c.RequestTimeout)
	return newApp(c, apiClient, os.Stdin, os.Stdout), nil
}

func newApp(c *config.Config, api API, in io.Reader, out io.Writer) *App {
	return &App{config: c, api: api, reader: bufio.NewReader(in), out: out}
}

func (a *App) Run(ctx context.Context) {
	a.Root(ctx)
}

func (a *App) isLoggedIn() bool {
	return a.pilotRef != ""
}

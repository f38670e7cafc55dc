package cli

import (
	"context"
	"fmt"
	"strings"
)

func (a *App) getStatus() string {
	if a.pilotRef == "" {
		return ""
	}
	return fmt.Sprintf("(%s)", a.pilotRef)
}

func (a *App) Root(ctx context.Context) {

	fmt.Fprintln(a.out, "Welcome to pilotauth CLI (type 'help' for commands)")

	if err := a.api.Ping(ctx); err != nil {
		fmt.Fprintf(a.out, "warning: %v\n", err)
	}

	for {
		fmt.Fprintf(a.out, "pilotauth %s> ", a.getStatus())
		line, err := a.reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "help":
			if a.isLoggedIn() {
				fmt.Fprintln(a.out, "Available commands: refresh, info, logout, register, exit")
			} else {
				fmt.Fprintln(a.out, "Available commands: register, login, exit")
			}
		case "register":
			a.Register(ctx)
		case "login":
			a.Login(ctx)
		case "refresh":
			a.Refresh(ctx)
		case "info":
			a.Info(ctx)
		case "logout":
			a.api.Logout()
			a.pilotRef = ""
			fmt.Fprintln(a.out, "Logged out")
		case "exit", "quit":
			fmt.Fprintln(a.out, "Bye!")
			return
		default:
			fmt.Fprintln(a.out, "Unknown command:", parts[0])
		}
	}
}

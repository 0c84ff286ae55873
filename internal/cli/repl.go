package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyemirov/proteinlens/pkg/sessionclient"
)

// commandSet is the surface the REPL dispatches to. App satisfies it.
type commandSet interface {
	isLoggedIn() bool
	touch()
	status() string
	Register(ctx context.Context) error
	Login(ctx context.Context) error
	Me(ctx context.Context) error
	Status(ctx context.Context) error
	Logout(ctx context.Context) error
}

// runREPL reads one command per line until EOF, quit, or ctx cancellation.
// Each non-empty line is reported as activity before it is dispatched.
// Command errors are printed and the loop continues.
//
//	help       show available commands
//	register   create an account
//	login      start a session
//	me         fetch the profile through the authenticated client
//	status     show session state and deadlines
//	logout     end the session
//	exit|quit  leave the program
func runREPL(ctx context.Context, commands commandSet, reader *bufio.Reader, out io.Writer) {
	for ctx.Err() == nil {
		_, _ = fmt.Fprintf(out, "proteinlens [%s]> ", commands.status())
		line, readErr := readLine(reader)
		if readErr != nil {
			_, _ = fmt.Fprintln(out)
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		commands.touch()

		var commandErr error
		switch parts[0] {
		case "help":
			if commands.isLoggedIn() {
				_, _ = fmt.Fprintln(out, "Available commands: me, status, logout, exit")
			} else {
				_, _ = fmt.Fprintln(out, "Available commands: register, login, status, exit")
			}
		case "register":
			commandErr = commands.Register(ctx)
		case "login":
			commandErr = commands.Login(ctx)
		case "me":
			commandErr = commands.Me(ctx)
		case "status":
			commandErr = commands.Status(ctx)
		case "logout":
			commandErr = commands.Logout(ctx)
		case "exit", "quit":
			_, _ = fmt.Fprintln(out, "Bye!")
			return
		default:
			_, _ = fmt.Fprintln(out, "Unknown command:", parts[0])
		}
		if commandErr != nil {
			_, _ = fmt.Fprintln(out, "Error:", describeError(commandErr))
		}
	}
}

func describeError(err error) string {
	var apiErr *sessionclient.APIError
	switch {
	case errors.Is(err, sessionclient.ErrNotAuthenticated):
		return "not logged in"
	case errors.Is(err, errEmptyInput):
		return "email and password are required"
	case errors.Is(err, sessionclient.ErrNetwork):
		return "server unreachable"
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.Is(err, sessionclient.ErrRefreshFailed), errors.Is(err, sessionclient.ErrUnauthorized):
		return "session ended"
	default:
		return err.Error()
	}
}

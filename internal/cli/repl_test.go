package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tyemirov/proteinlens/pkg/sessionclient"
)

type fakeCommands struct {
	loggedIn bool
	touches  int
	calls    []string
	meErr    error
}

func (f *fakeCommands) isLoggedIn() bool { return f.loggedIn }
func (f *fakeCommands) touch()           { f.touches++ }
func (f *fakeCommands) status() string   { return "status" }
func (f *fakeCommands) Register(ctx context.Context) error {
	f.calls = append(f.calls, "register")
	return nil
}
func (f *fakeCommands) Login(ctx context.Context) error {
	f.calls = append(f.calls, "login")
	f.loggedIn = true
	return nil
}
func (f *fakeCommands) Me(ctx context.Context) error {
	f.calls = append(f.calls, "me")
	return f.meErr
}
func (f *fakeCommands) Status(ctx context.Context) error {
	f.calls = append(f.calls, "status")
	return nil
}
func (f *fakeCommands) Logout(ctx context.Context) error {
	f.calls = append(f.calls, "logout")
	f.loggedIn = false
	return nil
}

func TestRunREPLDispatchesCommandsAndRecordsActivity(t *testing.T) {
	input := strings.NewReader(strings.Join([]string{
		"help",
		"register",
		"",
		"login",
		"help",
		"me",
		"status",
		"foobar",
		"logout",
		"quit",
		"me",
	}, "\n"))
	commands := &fakeCommands{}
	var out strings.Builder

	runREPL(context.Background(), commands, bufio.NewReader(input), &out)

	wantCalls := []string{"register", "login", "me", "status", "logout"}
	if strings.Join(commands.calls, ",") != strings.Join(wantCalls, ",") {
		t.Fatalf("unexpected calls: %v", commands.calls)
	}
	if commands.touches != 9 {
		t.Fatalf("expected one activity signal per non-empty line, got %d", commands.touches)
	}
	output := out.String()
	for _, expected := range []string{
		"proteinlens [status]> ",
		"Available commands: register, login, status, exit",
		"Available commands: me, status, logout, exit",
		"Unknown command: foobar",
		"Bye!",
	} {
		if !strings.Contains(output, expected) {
			t.Fatalf("expected output to contain %q, got:\n%s", expected, output)
		}
	}
}

func TestRunREPLStopsAtEndOfInput(t *testing.T) {
	commands := &fakeCommands{}
	var out strings.Builder

	runREPL(context.Background(), commands, bufio.NewReader(strings.NewReader("status")), &out)

	if len(commands.calls) != 1 || commands.calls[0] != "status" {
		t.Fatalf("expected the unterminated last line to run, got %v", commands.calls)
	}
}

func TestRunREPLStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	commands := &fakeCommands{}

	runREPL(ctx, commands, bufio.NewReader(strings.NewReader("login\n")), &strings.Builder{})

	if len(commands.calls) != 0 {
		t.Fatalf("expected no commands after cancellation, got %v", commands.calls)
	}
}

func TestRunREPLPrintsCommandErrors(t *testing.T) {
	commands := &fakeCommands{meErr: fmt.Errorf("wrapped: %w", sessionclient.ErrNotAuthenticated)}
	var out strings.Builder

	runREPL(context.Background(), commands, bufio.NewReader(strings.NewReader("me\nquit\n")), &out)

	if !strings.Contains(out.String(), "Error: not logged in") {
		t.Fatalf("expected friendly error, got:\n%s", out.String())
	}
}

func TestDescribeError(t *testing.T) {
	testCases := []struct {
		err      error
		expected string
	}{
		{err: sessionclient.ErrNotAuthenticated, expected: "not logged in"},
		{err: errEmptyInput, expected: "email and password are required"},
		{err: fmt.Errorf("session.login: %w", &sessionclient.APIError{Operation: "login", StatusCode: 401, Code: "INVALID_CREDENTIALS"}), expected: "INVALID_CREDENTIALS"},
		{err: &sessionclient.RefreshError{StatusCode: 401, Code: "INVALID_REFRESH_TOKEN"}, expected: "session ended"},
		{err: errors.New("boom"), expected: "boom"},
	}
	for _, testCase := range testCases {
		if actual := describeError(testCase.err); actual != testCase.expected {
			t.Fatalf("describeError(%v) = %q, want %q", testCase.err, actual, testCase.expected)
		}
	}
}

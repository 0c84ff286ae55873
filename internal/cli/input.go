package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Test seams for the terminal.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// readLine returns the next line without its trailing newline. A partial
// line before EOF is returned as a line.
func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptText(reader *bufio.Reader, w io.Writer, prompt string) (string, error) {
	if _, err := fmt.Fprintf(w, "%s: ", prompt); err != nil {
		return "", err
	}
	return readLine(reader)
}

// promptPassword reads without echo when input is a terminal and falls back
// to a plain line otherwise, which keeps piped input usable.
func promptPassword(reader *bufio.Reader, input io.Reader, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, "Password: "); err != nil {
		return "", err
	}
	if file, ok := input.(*os.File); ok && isTerminal(int(file.Fd())) {
		secret, err := readPassword(int(file.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
	return readLine(reader)
}

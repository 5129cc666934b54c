package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrPassphraseMismatch is returned when the confirmation differs from the passphrase.
var ErrPassphraseMismatch = errors.New("passphrases do not match")

// Prompter reads a secret interactively.
type Prompter func(prompt string) (string, error)

// TerminalPrompter reads from in without echo. It returns nil when in is not
// a terminal.
func TerminalPrompter(in *os.File, out io.Writer) Prompter {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(b), nil
	}
}

// ResolvePassphrase returns value when it is set and otherwise asks prompt.
// With confirm the prompt is repeated and both answers must match. An empty
// result means no passphrase.
func ResolvePassphrase(value string, prompt Prompter, confirm bool) (string, error) {
	if pass := strings.TrimSpace(value); pass != "" {
		return pass, nil
	}
	if prompt == nil {
		return "", nil
	}
	pass, err := prompt("Passphrase: ")
	if err != nil {
		return "", err
	}
	pass = strings.TrimSpace(pass)
	if pass == "" || !confirm {
		return pass, nil
	}
	again, err := prompt("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(again) != pass {
		return "", ErrPassphraseMismatch
	}
	return pass, nil
}

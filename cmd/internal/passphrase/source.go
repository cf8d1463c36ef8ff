package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a wallet mnemonic from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar string
	prompt io.Writer
	fd     int

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before interactively
// prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: os.Stderr, fd: int(os.Stdin.Fd())}
}

// Get returns the cached mnemonic or resolves it if this is the first call.
// When the environment variable is set its value is used; otherwise the
// operator is prompted on stderr without echo. Blank input is rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = normalize(value)
				return
			}
		}

		if !term.IsTerminal(s.fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("wallet mnemonic required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("wallet mnemonic required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.prompt, "Enter wallet mnemonic: ")
		bytes, err := term.ReadPassword(s.fd)
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("failed to read mnemonic: %w", err)
			return
		}

		phrase := normalize(string(bytes))
		if phrase == "" {
			s.err = errors.New("wallet mnemonic cannot be empty")
			return
		}
		s.value = phrase
	})

	return s.value, s.err
}

// normalize collapses the whitespace users paste between words.
func normalize(phrase string) string {
	return strings.Join(strings.Fields(phrase), " ")
}

package cli

// ABOUTME: Context-aware interactive prompting for user confirmations.
// ABOUTME: readLine races stdin against the context; confirm is a y/N prompt.

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// readLine reads a single line from input, returning early if ctx is
// cancelled. On EOF, returns ("", nil) so callers can treat it as the
// default answer. The reading goroutine may outlive the call on
// cancellation; acceptable for a CLI that is about to exit.
func readLine(ctx context.Context, input io.Reader) (string, error) {
	ch := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(input)
		if scanner.Scan() {
			ch <- scanner.Text()
		} else {
			ch <- ""
		}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-ch:
		return line, nil
	}
}

// confirm prints a prompt and reads y/N from the reader. Returns true if
// the user answered "y" or "yes" (case-insensitive).
func confirm(ctx context.Context, prompt string, input io.Reader, output io.Writer) (bool, error) {
	fmt.Fprint(output, prompt) //nolint:errcheck // best-effort output
	line, err := readLine(ctx, input)
	if err != nil {
		return false, err
	}
	answer := strings.TrimSpace(strings.ToLower(line))
	return answer == "y" || answer == "yes", nil
}

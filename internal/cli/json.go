package cli

// ABOUTME: Helpers for --json flag support across CLI commands.

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// jsonEnabled checks if the --json persistent flag is set on the command.
func jsonEnabled(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// writeJSON marshals v as indented JSON and writes it to w with a trailing
// newline.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// requireYesForJSON returns an error if --json is set without --yes.
// Commands with confirmation prompts must require --yes in JSON mode since
// interactive prompts can't work in a machine-readable pipeline.
func requireYesForJSON(cmd *cobra.Command) error {
	if !jsonEnabled(cmd) {
		return nil
	}
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return fmt.Errorf("--json requires --yes to skip confirmation prompts")
	}
	return nil
}

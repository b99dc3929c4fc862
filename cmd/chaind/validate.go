package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chaind/internal/chain"
)

// validateCmd lints a template file without touching any registries
var validateCmd = &cobra.Command{
	Use:   "validate <template.json>",
	Short: "Validate a chain template file",
	Long: `Validate the structure of a chain template file.

This is an offline check: stage/agent/pattern references are not resolved
against a registry, only the template's own shape is examined.

Examples:
  # Validate a template
  chaind validate summarize.json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// runValidate handles the validate command
func runValidate(cmd *cobra.Command, args []string) error {
	tmpl, err := chain.LoadTemplate(args[0])
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}

	problems := tmpl.Lint()
	if len(problems) == 0 {
		fmt.Printf("%s: OK (%d stage(s))\n", tmpl.Name, len(tmpl.Chain))
		return nil
	}

	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "- %s\n", p)
	}
	return fmt.Errorf("template %q has %d problem(s)", tmpl.Name, len(problems))
}

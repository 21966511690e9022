package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/gradsearch/internal/optimization"
)

func newFunctionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List the built-in utility functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range optimization.FunctionNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// Package cmd provides the CLI commands for semafold.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/semafold/semafold/pkg/version"
)

// NewRootCmd creates the root command for the semafold CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "semafold",
		Short: "Semantic folder daemon",
		Long: `Semafold watches a directory of notes, embeds their contents, groups
them into stable semantic clusters, and keeps the directory layout
converged with those clusters. It also answers search and
question-answering requests over the corpus via a local HTTP API.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cmd.Help()
			}
			return runServe(cmd)
		},
	}

	cmd.SetVersionTemplate("semafold version {{.Version}}\n")
	addServeFlags(cmd)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

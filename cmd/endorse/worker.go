package main

import (
	"github.com/spf13/cobra"

	"github.com/endorse-tools/endorse/internal/worker"
)

// newWorkerCmd is the child side of a chunk. stdout carries protocol
// frames only; logs go to stderr.
func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Process one chunk job received on stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newClient(a.cfg)
			p := worker.NewProcessor(client, a.log.Named("worker"))
			return p.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

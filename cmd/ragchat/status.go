package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the status of an ingestion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			backend := backendClient(kv)
			status, err := backend.GetJobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s%%  %s\n", status.JobID, status.Status, status.Progress, status.CurrentStep)
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			backend := backendClient(kv)
			if err := backend.Health(cmd.Context()); err != nil {
				return err
			}

			fmt.Println("ok")
			if email, err := backend.CheckAuth(cmd.Context()); err == nil {
				fmt.Printf("logged in as %s\n", email)
			} else {
				fmt.Println("not logged in")
			}
			return nil
		},
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/store"
)

func newLoginCommand() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login EMAIL",
		Short: "Authenticate against the backend and store the session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := args[0]

			if password == "" {
				fmt.Fprint(os.Stderr, "Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return errors.Wrap(err, "reading password")
				}
				password = string(raw)
			}

			kv, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = kv.Close() }()

			c := backendClient(kv)
			session, err := c.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			if err := kv.Set(store.AuthTokenKey, session.Token); err != nil {
				return errors.Wrap(err, "storing token")
			}

			fmt.Printf("Logged in as %s\n", session.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	return cmd
}

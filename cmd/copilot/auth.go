package main

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xaenox/copilot-chat/internal/errors"
)

func newLoginCmd(app func() *app) *cobra.Command {
	params := &struct {
		Email    string
		Password string
	}{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and keep the session for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			in := bufio.NewReader(cmd.InOrStdin())

			var err error
			if params.Email == "" {
				if params.Email, err = prompt(cmd.OutOrStdout(), in, "Email: "); err != nil {
					return errors.Wrapf(err, "failed to read email")
				}
			}
			if params.Password == "" {
				if params.Password, err = prompt(cmd.OutOrStdout(), in, "Password: "); err != nil {
					return errors.Wrapf(err, "failed to read password")
				}
			}

			if err := a.session.Login(cmd.Context(), params.Email, params.Password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", a.session.Username())
			return nil
		},
	}

	cmd.Flags().StringVarP(&params.Email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&params.Password, "password", "p", "", "account password")
	return cmd
}

func newLogoutCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app().session.Logout(false)
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newRegisterCmd(app func() *app) *cobra.Command {
	params := &struct {
		Username string
		Email    string
		Password string
	}{}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if !a.cfg.Features.EnableRegistration {
				return errors.Wrapf(errors.ErrNotImplemented, "registration is disabled")
			}
			if params.Username == "" || params.Email == "" || params.Password == "" {
				return errors.Wrapf(errors.ErrInvalidConfig, "--username, --email and --password are required")
			}

			if err := a.session.Register(cmd.Context(), params.Username, params.Email, params.Password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Registration successful. You can now log in.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&params.Username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&params.Email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&params.Password, "password", "p", "", "account password")
	return cmd
}

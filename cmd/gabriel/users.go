package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gabriel/cmd/identity"

	"github.com/spf13/cobra"
)

func newUsersCmd(open usersOpener) *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts (requires GABRIEL_DATABASE_URL)",
	}
	users.AddCommand(newUsersCreateCmd(open), newUsersRoleCmd(open))
	return users
}

func newUsersCreateCmd(open usersOpener) *cobra.Command {
	var email, password, name, role string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, ok := identity.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q (want user or admin)", role)
			}
			store, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			u, err := store.CreateUser(cmd.Context(), identity.CreateUserInput{
				Email:    email,
				Name:     name,
				Password: password,
				Role:     r,
				Now:      time.Now().UTC(),
			})
			if err != nil {
				if identity.IsConflict(err) {
					return fmt.Errorf("an account with email %s already exists", identity.NormalizeEmail(email))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (%s)\n", u.ID, u.Email, u.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the email local part)")
	cmd.Flags().StringVar(&role, "role", string(identity.RoleUser), "user or admin")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUsersRoleCmd(open usersOpener) *cobra.Command {
	var email, role string

	cmd := &cobra.Command{
		Use:   "role",
		Short: "Change the role of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, ok := identity.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q (want user or admin)", role)
			}
			store, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			ua, err := store.GetUserAuthByEmail(cmd.Context(), strings.TrimSpace(email))
			if err != nil {
				if identity.IsNotFound(err) {
					return errors.New("no account with that email")
				}
				return err
			}
			u, err := store.UpdateRole(cmd.Context(), ua.User.ID, r, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Email, u.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&role, "role", "", "user or admin")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
)

var _usersAddCmdOpts struct {
	firstName    string
	middleName   string
	lastName     string
	pin          string
	expiry       string
	accessLevels []string
	token        string
	tokenType    int
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage Net2 users",

	PersistentPreRunE: net2PreRun,
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withNet2(func(api net2api.Net2) error {
			users, err := api.Users()
			if err != nil {
				return err
			}
			return printJSON(users)
		})
	},
}

var usersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a user, optionally with access levels and a token",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withNet2(func(api net2api.Net2) error {
			return addUser(api)
		})
	},
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a user",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("user", args[0])
		if err != nil {
			return err
		}

		return withNet2(func(api net2api.Net2) error {
			return api.DeleteUser(id)
		})
	},
}

var accessLevelsCmd = &cobra.Command{
	Use:   "access-levels",
	Short: "List access levels",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withNet2(func(api net2api.Net2) error {
			levels, err := api.AccessLevels()
			if err != nil {
				return err
			}
			return printJSON(levels)
		})
	},

	PersistentPreRunE: net2PreRun,
}

func init() {
	usersAddCmd.Flags().StringVar(&_usersAddCmdOpts.firstName, "first-name", "", "first name")
	usersAddCmd.Flags().StringVar(&_usersAddCmdOpts.middleName, "middle-name", "", "middle name")
	usersAddCmd.Flags().StringVar(&_usersAddCmdOpts.lastName, "last-name", "", "last name")
	usersAddCmd.Flags().StringVar(&_usersAddCmdOpts.pin, "pin", "", "keypad PIN")
	usersAddCmd.Flags().StringVar(&_usersAddCmdOpts.expiry, "expiry", "", "expiry date, eg. 2025-12-31T00:00:00")
	usersAddCmd.Flags().StringSliceVar(&_usersAddCmdOpts.accessLevels, "access-level", nil, "access level id or name (repeatable)")
	usersAddCmd.Flags().StringVar(&_usersAddCmdOpts.token, "token", "", "card or fob number to issue")
	usersAddCmd.Flags().IntVar(&_usersAddCmdOpts.tokenType, "token-type", 0, "Net2 token type")

	errPanic(usersAddCmd.MarkFlagRequired("first-name"))
	errPanic(usersAddCmd.MarkFlagRequired("last-name"))

	usersCmd.AddCommand(usersListCmd, usersAddCmd, usersDeleteCmd)
	rootCmd.AddCommand(usersCmd, accessLevelsCmd)
}

// addUser resolves access levels before creating anything, so a bad level
// name leaves the server untouched
func addUser(api net2api.Net2) error {
	opts := _usersAddCmdOpts

	levels := make([]int, 0, len(opts.accessLevels))
	for _, l := range opts.accessLevels {
		id, err := api.ResolveAccessLevel(l)
		if err != nil {
			return err
		}
		levels = append(levels, id)
	}

	u, err := api.AddUser(net2api.User{
		FirstName:  opts.firstName,
		MiddleName: opts.middleName,
		LastName:   opts.lastName,
		Pin:        opts.pin,
		Expiry:     opts.expiry,
	})
	if err != nil {
		return err
	}

	if len(levels) > 0 {
		if err := api.AssignAccessLevels(u.ID, levels); err != nil {
			return err
		}
	}

	if opts.token != "" {
		if err := api.AddUserToken(u.ID, net2api.UserToken{TokenNumber: opts.token, TokenType: opts.tokenType}); err != nil {
			return err
		}
	}

	fmt.Printf("added user %d\n", u.ID)
	return nil
}

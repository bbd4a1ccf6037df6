package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jake-scott/net2-doors/internal/pkg/net2api"
)

var _doorsCmdOpts struct {
	seconds int
	raw     string
}

var doorsCmd = &cobra.Command{
	Use:   "doors",
	Short: "List the doors known to the Net2 server",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withNet2(func(api net2api.Net2) error {
			doors, err := api.Doors()
			if err != nil {
				return err
			}
			return printJSON(doors)
		})
	},

	PersistentPreRunE: net2PreRun,
}

var doorsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the relay and contact state of every door",

	RunE: func(cmd *cobra.Command, args []string) error {
		return withNet2(func(api net2api.Net2) error {
			items, err := api.DoorStatus()
			if err != nil {
				return err
			}
			return printJSON(items)
		})
	},
}

var doorsOpenCmd = &cobra.Command{
	Use:   "open <door-id>",
	Short: "Hold a door open until it is closed",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("door", args[0])
		if err != nil {
			return err
		}

		return withNet2(func(api net2api.Net2) error {
			return api.HoldDoorOpen(id)
		})
	},
}

var doorsCloseCmd = &cobra.Command{
	Use:   "close <door-id>",
	Short: "Close a held door",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("door", args[0])
		if err != nil {
			return err
		}

		return withNet2(func(api net2api.Net2) error {
			return api.CloseDoor(id)
		})
	},
}

var doorsControlCmd = &cobra.Command{
	Use:   "control [door-id]",
	Short: "Open a door relay for a number of seconds",
	Long: `Open a door relay for a number of seconds.  With --raw the JSON body is
sent to the server unchanged and the door id argument is not needed.`,
	Args: cobra.MaximumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		if _doorsCmdOpts.raw != "" {
			body := json.RawMessage(_doorsCmdOpts.raw)
			if !json.Valid(body) {
				return errors.New("--raw is not valid JSON")
			}

			return withNet2(func(api net2api.Net2) error {
				return api.ControlDoorRaw(body)
			})
		}

		if len(args) != 1 {
			return errors.New("door id required")
		}
		id, err := parseID("door", args[0])
		if err != nil {
			return err
		}

		ctl := net2api.DoorControl{
			DoorID:   id,
			Duration: time.Duration(_doorsCmdOpts.seconds) * time.Second,
		}
		return withNet2(func(api net2api.Net2) error {
			return api.ControlDoor(ctl)
		})
	},
}

func init() {
	doorsControlCmd.Flags().IntVar(&_doorsCmdOpts.seconds, "seconds", 1, "how long to open the relay")
	doorsControlCmd.Flags().StringVar(&_doorsCmdOpts.raw, "raw", "", "JSON control body to send as-is")

	doorsCmd.AddCommand(doorsStatusCmd, doorsOpenCmd, doorsCloseCmd, doorsControlCmd)
	rootCmd.AddCommand(doorsCmd)
}

// net2PreRun is shared by the one-shot commands that talk to Net2
func net2PreRun(cmd *cobra.Command, args []string) error {
	if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
		return err
	}
	return checkRequiredFlags(net2RequiredFlags...)
}

// withNet2 logs in, runs fn and forgets the session
func withNet2(fn func(api net2api.Net2) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := newNet2Clients(ctx)
	defer clients.session.Clear()

	api, err := clients.login(ctx)
	if err != nil {
		return err
	}

	return fn(api)
}

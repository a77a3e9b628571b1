package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bubao/CanMV-K230-Demo/internal/models"
	"github.com/bubao/CanMV-K230-Demo/internal/store"
	"github.com/bubao/CanMV-K230-Demo/pkg/config"
)

// NetworksCmd returns the networks command for editing stored credentials offline
func NetworksCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "networks",
		Short: "Manage stored station networks",
		Long: `List, add or remove the station networks in the device configuration.
Networks are tried in the listed order; the same edits are available from
the captive portal.`,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "device configuration file (default $CONFIG_PATH)")

	open := func() *store.Store {
		if configPath == "" {
			configPath = config.Load().ConfigPath
		}
		return store.New(configPath)
	}

	cmd.AddCommand(networksListCmd(open))
	cmd.AddCommand(networksAddCmd(open))
	cmd.AddCommand(networksRemoveCmd(open))
	return cmd
}

func networksListCmd(open func() *store.Store) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored networks in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			networks, err := open().Networks()
			if err != nil {
				return fmt.Errorf("failed to read networks: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(networks) == 0 {
				fmt.Fprintln(out, "No networks configured.")
				return nil
			}
			for i, n := range networks {
				fmt.Fprintf(out, "%2d. %-32s %s\n", i+1, n.SSID, networkStatus(n))
			}
			return nil
		},
	}
}

func networksAddCmd(open func() *store.Store) *cobra.Command {
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add SSID PASSWORD",
		Short: "Add or update a network",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ssid, password := args[0], args[1]
			enabled := !disabled

			created, err := open().UpdateNetwork(ssid, models.NetworkPatch{
				Password: &password,
				Enabled:  &enabled,
			})
			if err != nil {
				return fmt.Errorf("failed to save network: %w", err)
			}

			verb := "Updated"
			if created {
				verb = "Added"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s network %s\n", verb, ssid)
			return nil
		},
	}
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the network without enabling it")
	return cmd
}

func networksRemoveCmd(open func() *store.Store) *cobra.Command {
	return &cobra.Command{
		Use:   "remove SSID",
		Short: "Remove every stored entry for a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := open().RemoveNetwork(args[0])
			if err != nil {
				return fmt.Errorf("failed to remove network: %w", err)
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Network %s not found\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed network %s\n", args[0])
			return nil
		},
	}
}

func networkStatus(n models.NetworkCredential) string {
	switch {
	case n.Eligible():
		return color.New(color.FgGreen).Sprint("enabled")
	case n.Enabled:
		return color.New(color.FgYellow).Sprint("incomplete")
	default:
		return color.New(color.FgRed).Sprint("disabled")
	}
}

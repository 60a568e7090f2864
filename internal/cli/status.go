package cli

import (
	"encoding/json"
	"fmt"

	"github.com/postalsys/netifbridge/internal/api"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bridge interface status",
		Long: `Query the running daemon for the current state of the bridge:
TUN interface identity, link state, tracked unicast and multicast
addresses, and packet counters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := newDaemonAPIClient(cfg)
			if !client.IsRunning() {
				if asJSON {
					fmt.Println(`{"running": false}`)
					return nil
				}
				fmt.Println("Daemon is not running")
				return nil
			}

			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("failed to query daemon status: %w", err)
			}

			if asJSON {
				return printJSONStatus(status)
			}
			printHumanStatus(status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output status as JSON")

	return cmd
}

func printJSONStatus(status *api.StatusResult) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printHumanStatus(status *api.StatusResult) {
	fmt.Printf("Daemon:     running (PID %d, up %s)\n", status.PID, status.Uptime)
	fmt.Printf("Config:     %s\n", status.ConfigPath)
	fmt.Println()

	linkState := "down"
	if status.LinkUp {
		linkState = "up"
	}
	fmt.Printf("Interface:  %s (index %d, mtu %d, link %s)\n", status.TUNName, status.TUNIndex, status.TUNMTU, linkState)

	ip6State := "disabled"
	if status.IP6Enabled {
		ip6State = "enabled"
	}
	fmt.Printf("IPv6:       %s\n", ip6State)
	fmt.Println()

	if len(status.Addresses) == 0 {
		fmt.Println("Unicast addresses: (none)")
	} else {
		fmt.Println("Unicast addresses:")
		for _, a := range status.Addresses {
			fmt.Printf("  %s/%d  [%s]\n", a.Address, a.PrefixLen, a.Origin)
		}
	}
	fmt.Println()

	if len(status.Multicast) == 0 {
		fmt.Println("Multicast groups: (none)")
	} else {
		fmt.Println("Multicast groups:")
		for _, m := range status.Multicast {
			fmt.Printf("  %s\n", m)
		}
	}
	fmt.Println()

	fmt.Println("Stats:")
	fmt.Printf("  packets sent:               %d\n", status.Stats.PacketsSent)
	fmt.Printf("  packets received:           %d\n", status.Stats.PacketsReceived)
	fmt.Printf("  malformed packets received: %d\n", status.Stats.MalformedRcvd)
}

// cmd/linkd/ports.go
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	serialdiscovery "device-link/internal/discovery/serial"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and the serial numbers they report",
	Long: `List every serial port the operating system reports. USB ports show
their vendor and product ids and the serial number linkd matches against
link.serial_number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		ports, err := serialdiscovery.NewScanner(zap.NewNop()).Scan(ctx)
		if err != nil {
			return fmt.Errorf("listing ports: %w", err)
		}

		if len(ports) == 0 {
			fmt.Println("No serial ports found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tUSB\tVID:PID\tSERIAL")
		for _, port := range ports {
			ids := "-"
			if port.IsUSB {
				ids = port.VID + ":" + port.PID
			}
			serial := port.SerialNumber
			if serial == "" {
				serial = "-"
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", port.Endpoint, port.IsUSB, ids, serial)
		}
		return w.Flush()
	},
}

func init() {
	portsCmd.Flags().Duration("timeout", 5*time.Second, "how long to wait for the port list")
}

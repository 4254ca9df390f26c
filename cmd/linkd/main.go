// cmd/linkd/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "linkd",
	Short: "Supervise the connection to a serial device",
	Long: `linkd keeps one serial device connected. It finds the device by
serial number, opens the port, confirms the device answers, and reconnects
after the device reboots or is re-plugged. Status, readiness and raw writes
are exposed over HTTP, and state changes are streamed on /ws/events.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Initialize application
		app, err := NewApplication(configPath)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}

		// Start the application
		return app.Start()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.AddCommand(portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

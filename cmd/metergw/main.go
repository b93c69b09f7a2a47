package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "metergw",
		Short: "Electricity meter protocol gateway",
		Long: `metergw is a TCP gateway that speaks R645/BCD and VW/DLMS-COSEM to
connected electricity meters and republishes their telemetry, status, and
events over MQTT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newHealthcheckCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/olivenet-iot/meter-gateway/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Display the gateway's build version.`,
		Example: `  metergw version`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stdout, "metergw version %s\n", version.Version)
		},
	}
}

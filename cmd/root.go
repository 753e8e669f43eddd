package cmd

import (
	"fmt"
	"os"

	"github.com/quartzkv/quartz/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "quartz",
		Short: "Redis-compatible on-disk key-value server",
		Long: fmt.Sprintf(`quartz (v%s)

A Redis-protocol-compatible key-value server persisting Redis data types
onto an LSM-tree storage engine, with namespaces, backups and replication
support.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of quartz",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quartz v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

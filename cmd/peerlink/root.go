package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dkrasnov/peerlink/internal/util"
)

var debugMode bool

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Relayed encrypted file sharing",
	Long: `Peerlink relays end-to-end encrypted files between peers through a hub
that never stores payloads. Run the relay with "peerlink hub" and clients
with "peerlink peer".`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			util.EnableDebug()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

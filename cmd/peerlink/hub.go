package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkrasnov/peerlink/internal/config"
	"github.com/dkrasnov/peerlink/internal/hub"
	"github.com/dkrasnov/peerlink/internal/util"
)

var (
	hubAddr      string
	hubFrameSize int64
	hubHeartbeat time.Duration
	hubLiveness  time.Duration
	hubGrace     time.Duration
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the relay hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		cfg := config.DefaultHub()
		cfg.ListenAddr = hubAddr
		cfg.MaxFrameSize = hubFrameSize
		cfg.HeartbeatInterval = hubHeartbeat
		cfg.LivenessTimeout = hubLiveness
		cfg.RegistrationGrace = hubGrace

		h := hub.New(cfg)
		if err := h.Start(); err != nil {
			return err
		}
		defer h.Close()

		h.Stats().StartReporter(ctx)

		<-ctx.Done()
		util.LogInfo("hub shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hubCmd)
	defaults := config.DefaultHub()
	hubCmd.Flags().StringVarP(&hubAddr, "addr", "a", defaults.ListenAddr, "Address to listen on")
	hubCmd.Flags().Int64Var(&hubFrameSize, "max-frame", defaults.MaxFrameSize, "Maximum frame size in bytes")
	hubCmd.Flags().DurationVar(&hubHeartbeat, "heartbeat", defaults.HeartbeatInterval, "Protocol ping interval")
	hubCmd.Flags().DurationVar(&hubLiveness, "liveness", defaults.LivenessTimeout, "Silence before force-close")
	hubCmd.Flags().DurationVar(&hubGrace, "grace", defaults.RegistrationGrace, "Registration grace window")
}

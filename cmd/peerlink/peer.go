package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/dkrasnov/peerlink/internal/config"
	"github.com/dkrasnov/peerlink/internal/session"
	"github.com/dkrasnov/peerlink/internal/transfer"
	"github.com/dkrasnov/peerlink/internal/util"
)

var (
	peerHubURL  string
	peerIDFlag  string
	downloadDir string
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run a peer session with an interactive shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cfg := config.DefaultSession(peerHubURL)
		cfg.PeerID = peerIDFlag

		sess := session.New(cfg)
		engine := transfer.New(config.DefaultTransfer(), sess)
		events := sess.Subscribe()

		go watchEvents(events)
		go func() {
			if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
				util.LogError("session ended: %v", err)
			}
		}()

		fmt.Printf("Peer id: %s\n", sess.PeerID())
		fmt.Println("Type 'help' for commands.")

		prompt.New(
			func(in string) { peerExecutor(in, sess, engine, cancel) },
			peerCompleter,
			prompt.OptionPrefix("peer> "),
			prompt.OptionTitle("Peerlink"),
		).Run()
		return nil
	},
}

func watchEvents(events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventConnection:
			util.LogInfo("connected to %s", ev.Peer)
		case session.EventDisconnection:
			util.LogInfo("disconnected from %s", ev.Peer)
		case session.EventConnectionRequest:
			util.LogInfo("connection request from %s, accept or reject it", ev.Peer)
		case session.EventConnectFailed:
			util.LogWarning("connection to %s failed: %v", ev.Peer, ev.Err)
		case session.EventOffline:
			util.LogError("hub link abandoned: %v", ev.Err)
		case session.EventTransferStart:
			util.LogInfo("transfer %s (%s, %d bytes) started", ev.Transfer.ID, ev.Transfer.Name, ev.Transfer.Size)
		case session.EventTransferProgress:
			util.LogDebug("transfer %s: %.1f%%", ev.Transfer.ID, ev.Progress*100)
		case session.EventTransferComplete:
			if ev.Data != nil {
				saveReceived(ev)
			} else {
				util.LogInfo("transfer %s sent", ev.Transfer.ID)
			}
		case session.EventTransferError:
			util.LogWarning("transfer %s failed: %v", ev.Transfer.ID, ev.Err)
		}
	}
}

func saveReceived(ev session.Event) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		util.LogError("create %s: %v", downloadDir, err)
		return
	}
	path := filepath.Join(downloadDir, filepath.Base(ev.Transfer.Name))
	if err := os.WriteFile(path, ev.Data, 0o644); err != nil {
		util.LogError("save %s: %v", path, err)
		return
	}
	util.LogInfo("received %s from %s (%d bytes), saved to %s", ev.Transfer.Name, ev.Peer, len(ev.Data), path)
}

func peerExecutor(in string, sess *session.Manager, engine *transfer.Engine, cancel context.CancelFunc) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		cancel()
		sess.Close()
		os.Exit(0)
	case "id":
		fmt.Println(sess.PeerID())
	case "peers":
		peers := sess.Peers()
		if len(peers) == 0 {
			fmt.Println("No connected peers.")
		}
		for _, p := range peers {
			fmt.Println("- " + p)
		}
	case "pending":
		for _, p := range sess.PendingRequests() {
			fmt.Println("- " + p)
		}
	case "connect":
		if len(blocks) < 2 {
			fmt.Println("Usage: connect <peer-id>")
			return
		}
		if err := sess.Connect(blocks[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	case "accept":
		if len(blocks) < 2 {
			fmt.Println("Usage: accept <peer-id>")
			return
		}
		if err := sess.Accept(blocks[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	case "reject":
		if len(blocks) < 2 {
			fmt.Println("Usage: reject <peer-id>")
			return
		}
		if err := sess.Reject(blocks[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	case "disconnect":
		if len(blocks) < 2 {
			fmt.Println("Usage: disconnect <peer-id>")
			return
		}
		if err := sess.Disconnect(blocks[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	case "secret":
		if len(blocks) < 3 {
			fmt.Println("Usage: secret <peer-id> <passphrase> (exchange it out of band)")
			return
		}
		sess.SetSecret(blocks[1], []byte(strings.Join(blocks[2:], " ")))
		fmt.Println("Secret installed.")
	case "send":
		if len(blocks) < 3 {
			fmt.Println("Usage: send <peer-id> <file-path>")
			return
		}
		data, err := os.ReadFile(blocks[2])
		if err != nil {
			fmt.Printf("Error reading file: %v\n", err)
			return
		}
		name := filepath.Base(blocks[2])
		mimeType := mime.TypeByExtension(filepath.Ext(name))
		id, err := engine.SendFile(blocks[1], name, mimeType, data)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("Transfer %s started.\n", id)
	case "status":
		if len(blocks) < 2 {
			fmt.Println("Usage: status <peer-id>")
			return
		}
		fmt.Println(sess.Status(blocks[1]))
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  id                         - Show this peer's id")
		fmt.Println("  connect <peer>             - Request a connection")
		fmt.Println("  accept <peer>              - Accept a pending request")
		fmt.Println("  reject <peer>              - Reject a pending request")
		fmt.Println("  disconnect <peer>          - Drop a connection")
		fmt.Println("  secret <peer> <passphrase> - Install the shared file secret")
		fmt.Println("  send <peer> <path>         - Send a file")
		fmt.Println("  peers / pending / status   - Inspect session state")
		fmt.Println("  exit                       - Stop and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "connect", Description: "Request a connection to a peer"},
		{Text: "accept", Description: "Accept a pending request"},
		{Text: "reject", Description: "Reject a pending request"},
		{Text: "disconnect", Description: "Drop a connection"},
		{Text: "secret", Description: "Install a shared file secret"},
		{Text: "send", Description: "Send a file to a connected peer"},
		{Text: "peers", Description: "List connected peers"},
		{Text: "pending", Description: "List pending requests"},
		{Text: "status", Description: "Show connection status for a peer"},
		{Text: "id", Description: "Show this peer's id"},
		{Text: "exit", Description: "Stop and exit"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerHubURL, "hub", "u", "ws://127.0.0.1:9470/ws", "Hub WebSocket URL")
	peerCmd.Flags().StringVar(&peerIDFlag, "id", "", "Peer id (random when empty)")
	peerCmd.Flags().StringVarP(&downloadDir, "downloads", "d", "received", "Directory for received files")
}

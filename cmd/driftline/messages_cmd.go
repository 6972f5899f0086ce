package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	driftline "github.com/Driftline-HQ/Driftline/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	messagesLimit int
	messagesJSON  bool

	sendReplyTo string
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)

	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 30, "Page size")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
}

var messagesCmd = &cobra.Command{
	Use:   "messages <channel-id>",
	Short: "Show the newest messages in a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		stream := driftline.NewMessageStreamSync(client, nil, cfg.Auth.UserID,
			&driftline.MessageStreamOptions{PageSize: messagesLimit})
		defer stream.Close()

		if err := stream.SetActiveChannel(ctx, args[0]); err != nil {
			return err
		}

		snap := stream.Snapshot()
		if messagesJSON {
			data, _ := json.MarshalIndent(snap.Messages, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, msg := range snap.Messages {
			printMessage(msg)
		}
		if snap.HasMore {
			fmt.Println("  ... older messages available")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <message>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		stream := driftline.NewMessageStreamSync(client, nil, cfg.Auth.UserID, nil)
		defer stream.Close()

		if err := stream.SetActiveChannel(ctx, args[0]); err != nil {
			return err
		}

		var opts *driftline.SendMessageOptions
		if sendReplyTo != "" {
			opts = &driftline.SendMessageOptions{ReplyToID: sendReplyTo}
		}
		if err := stream.Send(ctx, args[1], opts); err != nil {
			return err
		}

		snap := stream.Snapshot()
		if n := len(snap.Messages); n > 0 {
			fmt.Printf("Sent message %s\n", snap.Messages[n-1].ID)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <channel-id>",
	Short: "Tail a channel in realtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		rt := driftline.NewRealtimeClient(client, &driftline.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})

		// The connection context outlives the dial; its read and heartbeat
		// loops run until Disconnect.
		if err := rt.Connect(context.Background()); err != nil {
			return err
		}
		defer rt.Disconnect()

		stream := driftline.NewMessageStreamSync(client, rt, cfg.Auth.UserID, nil)
		defer stream.Close()

		var mu sync.Mutex
		printed := make(map[string]bool)
		flush := func() {
			snap := stream.Snapshot()
			mu.Lock()
			defer mu.Unlock()
			for _, msg := range snap.Messages {
				if !printed[msg.ID] {
					printed[msg.ID] = true
					printMessage(msg)
				}
			}
		}
		stream.Subscribe(flush)

		fetchCtx, fetchCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer fetchCancel()
		if err := stream.SetActiveChannel(fetchCtx, args[0]); err != nil {
			return err
		}
		flush()

		fmt.Println("--- watching, Ctrl-C to stop ---")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
		return nil
	},
}

func printMessage(msg driftline.MessageRecord) {
	name := msg.Sender.DisplayName
	if name == "" {
		name = msg.Sender.Username
	}
	if name == "" {
		name = msg.SenderID
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, name, msg.Content)
}

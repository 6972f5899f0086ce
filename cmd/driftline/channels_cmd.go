package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	driftline "github.com/Driftline-HQ/Driftline/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	channelsListPublic bool
	channelsListForce  bool
	channelsListJSON   bool

	channelsCreateDescription string
	channelsCreatePrivate     bool
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.AddCommand(channelsListCmd)
	channelsCmd.AddCommand(channelsCreateCmd)
	channelsCmd.AddCommand(channelsJoinCmd)
	channelsCmd.AddCommand(channelsLeaveCmd)

	channelsListCmd.Flags().BoolVar(&channelsListPublic, "public", false, "List public channels instead of your channels")
	channelsListCmd.Flags().BoolVar(&channelsListForce, "force", false, "Bypass the local cache")
	channelsListCmd.Flags().BoolVar(&channelsListJSON, "json", false, "Output raw JSON")

	channelsCreateCmd.Flags().StringVar(&channelsCreateDescription, "description", "", "Channel description")
	channelsCreateCmd.Flags().BoolVar(&channelsCreatePrivate, "private", false, "Create a private channel")
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Channel commands",
	Long:  "List, create, join, and leave Driftline channels.",
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels (cache-first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, lists, _ := getSyncStack()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if channelsListPublic {
			channels, cacheHit, err := lists.FetchPublicChannels(ctx, channelsListForce)
			if err != nil {
				return err
			}
			if channelsListJSON {
				data, _ := json.MarshalIndent(channels, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			fmt.Printf("Public channels (%d, cache=%v):\n", len(channels), cacheHit)
			for _, ch := range channels {
				fmt.Printf("  %-24s  %-32s  %d members\n", ch.ID, ch.Name, ch.MemberCount)
			}
			return nil
		}

		channels, cacheHit, err := lists.FetchUserChannels(ctx, channelsListForce)
		if err != nil {
			return err
		}
		if channelsListJSON {
			data, _ := json.MarshalIndent(channels, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Your channels (%d, cache=%v):\n", len(channels), cacheHit)
		for _, uc := range channels {
			unread := ""
			if uc.UnreadCount > 0 {
				unread = fmt.Sprintf("  [%d unread]", uc.UnreadCount)
			}
			fmt.Printf("  %-24s  %-32s  %s%s\n", uc.Channel.ID, uc.Channel.Name, uc.Membership.Role, unread)
		}
		return nil
	},
}

var channelsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, lists, _ := getSyncStack()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		visibility := driftline.VisibilityPublic
		if channelsCreatePrivate {
			visibility = driftline.VisibilityPrivate
		}

		if err := lists.Create(ctx, &driftline.CreateChannelOptions{
			Name:        args[0],
			Description: channelsCreateDescription,
			Visibility:  visibility,
		}); err != nil {
			return err
		}

		fmt.Printf("Channel %q created (%s)\n", args[0], visibility)
		return nil
	},
}

var channelsJoinCmd = &cobra.Command{
	Use:   "join <channel-id>",
	Short: "Join a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, lists, _ := getSyncStack()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := lists.Join(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Joined channel %s\n", args[0])
		return nil
	},
}

var channelsLeaveCmd = &cobra.Command{
	Use:   "leave <channel-id>",
	Short: "Leave a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, lists, _ := getSyncStack()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Leave needs the channel in local state for the creator check.
		if _, _, err := lists.FetchUserChannels(ctx, false); err != nil {
			return err
		}

		if err := lists.Leave(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Left channel %s\n", args[0])
		return nil
	},
}

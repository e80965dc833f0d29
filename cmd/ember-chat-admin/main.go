package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ember-chat/ember-chat/auth"
	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/persistence"
	"github.com/ember-chat/ember-chat/types"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// A very simple CLI tool for the administration of the chat service. It
// operates directly on the store, so run it against the same persistence
// configuration as the server.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	printJSON := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			globals.AppLogger.Error("could not marshal output", "error", err)
			return
		}
		fmt.Println(string(data))
	}

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show stats, users, moderators or blocked addresses",
	}
	var cmdShowStats = &cobra.Command{
		Use:   "stats",
		Short: "Show service statistics",
		Run: func(cmd *cobra.Command, args []string) {
			stats, err := persister.Stats(time.Now())
			if err != nil {
				globals.AppLogger.Error("could not get stats", "error", err)
				return
			}
			printJSON(stats)
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show known chat identities",
		Run: func(cmd *cobra.Command, args []string) {
			participants, err := persister.ListParticipants()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(participants)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [identity id]",
		Short: "Show one chat identity",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			participant, err := persister.GetParticipant(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			printJSON(participant)
		},
	}
	var cmdShowModerators = &cobra.Command{
		Use:   "moderators",
		Short: "Show moderator accounts",
		Run: func(cmd *cobra.Command, args []string) {
			moderators, err := persister.ListModerators()
			if err != nil {
				globals.AppLogger.Error("could not get moderators", "error", err)
				return
			}
			printJSON(moderators)
		},
	}
	var cmdShowBlocked = &cobra.Command{
		Use:   "blocked",
		Short: "Show blocked addresses",
		Run: func(cmd *cobra.Command, args []string) {
			blocked, err := persister.ListBlockedAddresses()
			if err != nil {
				globals.AppLogger.Error("could not get blocked addresses", "error", err)
				return
			}
			printJSON(blocked)
		},
	}
	cmdShow.AddCommand(cmdShowStats, cmdShowUsers, cmdShowUser, cmdShowModerators, cmdShowBlocked)

	var moderatorRole string
	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "Create or update records",
	}
	var cmdSetModerator = &cobra.Command{
		Use:   "moderator [username] [password]",
		Short: "Create or update a moderator account",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if moderatorRole != types.RoleAdmin && moderatorRole != types.RoleModerator {
				globals.AppLogger.Error("invalid role", "role", moderatorRole)
				return
			}
			hash, err := auth.HashPassword(args[1])
			if err != nil {
				globals.AppLogger.Error("could not hash password", "error", err)
				return
			}
			m := &types.Moderator{Username: args[0], PasswordHash: hash, Role: moderatorRole}
			if err := persister.StoreModerator(m); err != nil {
				globals.AppLogger.Error("could not store moderator", "error", err)
				return
			}
			printJSON(m)
		},
	}
	cmdSetModerator.Flags().StringVar(&moderatorRole, "role", types.RoleModerator, "moderator role (admin or moderator)")
	cmdSet.AddCommand(cmdSetModerator)

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete records",
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [identity id]",
		Short: "Delete a chat identity",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := persister.DeleteParticipant(args[0]); err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
				return
			}
		},
	}
	cmdDelete.AddCommand(cmdDeleteUser)

	var cmdBlock = &cobra.Command{
		Use:   "block [address] [reason...]",
		Short: "Block an origin address",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			blocked := &types.BlockedAddress{
				Address:   args[0],
				BlockedAt: time.Now(),
				Reason:    strings.Join(args[1:], " "),
			}
			if err := persister.StoreBlockedAddress(blocked); err != nil {
				globals.AppLogger.Error("could not block address", "error", err)
				return
			}
			printJSON(blocked)
		},
	}
	var cmdUnblock = &cobra.Command{
		Use:   "unblock [address]",
		Short: "Unblock an origin address",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := persister.DeleteBlockedAddress(args[0]); err != nil {
				globals.AppLogger.Error("could not unblock address", "error", err)
				return
			}
		},
	}
	var cmdPurge = &cobra.Command{
		Use:   "purge",
		Short: "Purge expired messages now",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := persister.PurgeExpired(time.Now())
			if err != nil {
				globals.AppLogger.Error("could not purge messages", "error", err)
				return
			}
			fmt.Printf("purged %d messages\n", n)
		},
	}

	rootCmd := &cobra.Command{Use: "ember-chat-admin"}
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)
	rootCmd.AddCommand(cmdShow, cmdSet, cmdDelete, cmdBlock, cmdUnblock, cmdPurge)
	if err := rootCmd.Execute(); err != nil {
		globals.AppLogger.Error("command failed", "error", err)
	}
}

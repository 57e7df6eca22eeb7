// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/realmwatch/notifier/internal/adminfeed"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage the admin feed directly, without a running serve instance",
}

func init() {
	adminCmd.AddCommand(adminCreateRealmCmd)
	adminCmd.AddCommand(adminListCmd)
}

var adminCreateRealmCmd = &cobra.Command{
	Use:   "create-realm <name>",
	Short: "Register a new managed file with the fleet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		ctx := context.Background()

		feed, err := adminfeed.New(ctx, adminfeed.AdminFeedConfig{
			LocalRootDir:  resolveLocalRoot(),
			ServerBaseURL: resolveServerURL(),
			AccessToken:   resolveToken(),
			Clock:         clock.WallClock,
		})
		if err != nil {
			return fmt.Errorf("open admin feed: %w", err)
		}
		defer func() { _ = feed.Close() }()

		id := uuid.New().String()
		if err := feed.CreateRealm(ctx, id, name); err != nil {
			return fmt.Errorf("create realm: %w", err)
		}

		fmt.Printf("created realm %q\n  id: %s\n", name, id)
		return nil
	},
}

var adminListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every file currently registered with the fleet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		feed, err := adminfeed.New(ctx, adminfeed.AdminFeedConfig{
			LocalRootDir:  resolveLocalRoot(),
			ServerBaseURL: resolveServerURL(),
			AccessToken:   resolveToken(),
			Clock:         clock.WallClock,
		})
		if err != nil {
			return fmt.Errorf("open admin feed: %w", err)
		}
		defer func() { _ = feed.Close() }()

		records, err := feed.ListRecords(ctx)
		if err != nil {
			return fmt.Errorf("list realms: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("no realms registered")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s\t%s\n", r.ID, r.Path)
		}
		return nil
	},
}

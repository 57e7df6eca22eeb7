// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	notifier "github.com/realmwatch/notifier"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the admin feed and dispatch change notifications until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		n, err := notifier.New(ctx, notifier.Config{
			LocalRootDir:  resolveLocalRoot(),
			ServerBaseURL: resolveServerURL(),
			AccessToken:   resolveToken(),
			Target:        logCallback{},
			Clock:         clock.WallClock,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("construct notifier: %w", err)
		}

		if err := n.Start(); err != nil {
			_ = n.Close()
			return fmt.Errorf("start notifier: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Infof("shutting down")
		return n.Close()
	},
}

// logCallback is notifierd's default host integration: it admits every
// name and logs each delivered change, closing whatever pinned snapshot
// came with it.
type logCallback struct{}

func (logCallback) FilterCallback(name string) bool { return true }

func (logCallback) RealmChanged(n notifier.Notification) {
	tables := 0
	for range n.PerTableChanges {
		tables++
	}
	logger.Infof("realm %q changed: version %s -> %s, %d table(s) touched", n.Path, n.Old, n.New, tables)

	if snap, ok := notifier.GetOldSnapshot(n); ok {
		_ = snap.Close()
	}
}

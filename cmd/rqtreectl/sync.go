package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/fslocal"
	"github.com/mfrisbey/rqtree/internal/pathkey"
)

func newSyncCmd() *cobra.Command {
	var flagWatch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the request queue against the remote, once or continuously",
		Long: `Run the Sync Processor.

By default sync runs a single drain cycle. Use --watch to run continuously
on the configured sync cadence until interrupted (SIGINT/SIGTERM).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, flagWatch)
		},
	}

	cmd.Flags().BoolVar(&flagWatch, "watch", false, "run continuously until interrupted")

	return cmd
}

func runSync(cmd *cobra.Command, watch bool) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	unsubscribe := cc.Share.Bus.Subscribe(func(e events.Event) {
		switch e.Kind {
		case events.SyncErr, events.SyncPurged, events.SyncConflict:
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %v\n", e.Kind, e.Path, e.Err)
		}
	})
	defer unsubscribe()

	if !watch {
		cc.Sync.DrainOnce(cmd.Context())
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cc.Sync.Start(ctx)
	<-ctx.Done()
	cc.Sync.Stop()

	return nil
}

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts [root]",
		Short: "Sweep a subtree for cache size and canDelete conflicts",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConflicts,
	}
}

func runConflicts(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	root := pathkey.Separator
	if len(args) == 1 {
		root = cleanPath(args[0])
	}

	conflicted, err := cc.Tree.CheckCacheSizeAndConflicts(cmd.Context(), root, nil)
	if err != nil {
		return fmt.Errorf("sweeping %s: %w", root, err)
	}

	if len(conflicted) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no conflicts")
		return nil
	}

	for path := range conflicted {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}

	return nil
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the local cache root for out-of-band filesystem changes",
		Long: `Run an fsnotify-backed watcher over the local cache root, invalidating
list-cache entries and emitting ExternalChange events as files are edited
outside of this tool (e.g. directly in the cache directory).`,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	unsubscribe := cc.Share.Bus.Subscribe(func(e events.Event) {
		if e.Kind == events.ExternalChange {
			fmt.Fprintf(cmd.OutOrStdout(), "external change: %s (%s)\n", e.Path, e.Method)
		}
	})
	defer unsubscribe()

	w := fslocal.NewWatcher(cc.Share.Config.WorkPath, cc.Share.Cache, cc.Share.Bus, cc.Logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cc.Tree.WatchLocal(ctx, w)
}

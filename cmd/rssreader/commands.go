package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pders01/rssreader/internal/config"
	"github.com/pders01/rssreader/internal/feed"
	"github.com/pders01/rssreader/internal/storage"
)

// errSyncFailed is returned once the sync error was already rendered.
var errSyncFailed = errors.New("sync failed")

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "rssreader",
		Short:         "Subscribe to RSS and Atom feeds and keep their entries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path, or DSN for postgres (overrides config)")
	root.PersistentFlags().Int64Var(&opts.userID, "user", 0, "owner of the feeds being managed")

	root.AddCommand(
		newVersionCmd(),
		newConfigCmd(opts),
		newSubscribeCmd(opts),
		newUnsubscribeCmd(opts),
		newRenameCmd(opts),
		newFeedsCmd(opts),
		newSyncCmd(opts),
		newEntriesCmd(opts),
		newShowCmd(opts),
		newFlagCmd(opts, "read", "Mark entries as read", (*feed.Manager).MarkRead),
		newFlagCmd(opts, "unread", "Mark entries as unread", (*feed.Manager).MarkUnread),
		newFlagCmd(opts, "star", "Star entries", (*feed.Manager).MarkStar),
		newFlagCmd(opts, "unstar", "Remove the star from entries", (*feed.Manager).MarkUnstar),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\n\n%s", err, cmd.UsageString())
	})
	return root
}

// runWithApp opens storage for the duration of fn.
func runWithApp(opts *options, fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		a, err := openApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(ctx, cmd, a, args)
	}
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rssreader %s\n", Version)
			fmt.Fprintln(out, "RSS feed reader")
			fmt.Fprintln(out, "github.com/pders01/rssreader")
		},
	}
}

func newConfigCmd(opts *options) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate the configuration file",
	}

	var force bool
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.GenerateDefaultConfig(path); err != nil {
				return fmt.Errorf("generating config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	configCmd.AddCommand(generateCmd, showCmd)
	return configCmd
}

func newSubscribeCmd(opts *options) *cobra.Command {
	var syncNow bool
	cmd := &cobra.Command{
		Use:   "subscribe <url>",
		Short: "Subscribe to a feed",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			f, err := a.manager.Subscribe(ctx, a.userID, args[0])
			if err != nil {
				if errors.Is(err, storage.ErrDuplicate) {
					return fmt.Errorf("already subscribed to %s", args[0])
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s %s\n", okStyle.Render("✓ Subscribed to"), f.URL, mutedStyle.Render(fmt.Sprintf("(feed %d)", f.ID)))

			if !syncNow {
				return nil
			}
			result, err := a.manager.Sync(ctx, f.ID)
			renderSyncResult(out, result, err)
			a.pushMetrics(cmd.ErrOrStderr())
			if err != nil {
				return errSyncFailed
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&syncNow, "sync", false, "sync the feed right away")
	return cmd
}

func newUnsubscribeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "unsubscribe <feed-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a feed and all of its entries",
		Args:    cobra.ExactArgs(1),
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID("feed", args[0])
			if err != nil {
				return err
			}
			if err := a.manager.Unsubscribe(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", okStyle.Render("✓ Removed feed"), id)
			return nil
		}),
	}
}

func newRenameCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <feed-id> [title]",
		Short: "Set a feed title that syncing will not overwrite",
		Long: "Set a feed title that syncing will not overwrite.\n" +
			"Without a title the feed goes back to the title its document provides.",
		Args: cobra.RangeArgs(1, 2),
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID("feed", args[0])
			if err != nil {
				return err
			}
			title := ""
			if len(args) == 2 {
				title = args[1]
			}
			f, err := a.manager.Rename(ctx, id, title)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d: %s\n", okStyle.Render("✓ Renamed feed"), f.ID, f.DisplayTitle())
			return nil
		}),
	}
}

func newFeedsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "feeds",
		Aliases: []string{"ls"},
		Short:   "List feeds with their entry counts",
		Args:    cobra.NoArgs,
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			stats, err := a.manager.FeedStats(ctx, a.userID)
			if err != nil {
				return err
			}
			renderFeeds(cmd.OutOrStdout(), stats)
			return nil
		}),
	}
}

func newSyncCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync [feed-id]",
		Short: "Fetch feeds and store new entries",
		Long:  "Fetch one feed, or with --all (the default without an id) every feed of the user, and store new entries.",
		Args:  cobra.MaximumNArgs(1),
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			out := cmd.OutOrStdout()
			defer a.pushMetrics(cmd.ErrOrStderr())

			if len(args) == 1 && !all {
				id, err := parseID("feed", args[0])
				if err != nil {
					return err
				}
				result, err := a.manager.Sync(ctx, id)
				renderSyncResult(out, result, err)
				if err != nil {
					return errSyncFailed
				}
				return nil
			}

			results, err := a.manager.SyncAll(ctx, a.userID)
			if results == nil && err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("No feeds to sync."))
				return nil
			}
			renderSyncAll(out, results, err)
			if err != nil {
				return errSyncFailed
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "sync every feed")
	return cmd
}

func newEntriesCmd(opts *options) *cobra.Command {
	var filter storage.EntryFilter
	cmd := &cobra.Command{
		Use:   "entries <feed-id>",
		Short: "List a feed's entries",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID("feed", args[0])
			if err != nil {
				return err
			}
			entries, err := a.manager.Entries(ctx, id, filter)
			if err != nil {
				return err
			}
			f, err := a.store.GetFeed(ctx, id)
			if err != nil {
				return err
			}
			renderEntries(cmd.OutOrStdout(), f, entries)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&filter.UnreadOnly, "unread", false, "only unread entries")
	cmd.Flags().BoolVar(&filter.StarredOnly, "starred", false, "only starred entries")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "show at most n entries")
	return cmd
}

func newShowCmd(opts *options) *cobra.Command {
	var keepUnread bool
	cmd := &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Render an entry in the terminal and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := parseID("entry", args[0])
			if err != nil {
				return err
			}
			e, err := a.store.GetEntry(ctx, id)
			if err != nil {
				return err
			}
			f, err := a.store.GetFeed(ctx, e.FeedID)
			if err != nil {
				return err
			}
			if err := renderEntry(cmd.OutOrStdout(), f, e); err != nil {
				return err
			}
			if keepUnread {
				return nil
			}
			return a.manager.MarkRead(ctx, id)
		}),
	}
	cmd.Flags().BoolVar(&keepUnread, "keep-unread", false, "leave the entry unread")
	return cmd
}

// newFlagCmd builds one of the read/unread/star/unstar commands.
func newFlagCmd(opts *options, use, short string, mark func(*feed.Manager, context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <entry-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: runWithApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			for _, arg := range args {
				id, err := parseID("entry", arg)
				if err != nil {
					return err
				}
				if err := mark(a.manager, ctx, id); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", okStyle.Render("✓ Marked"), len(args), use)
			return nil
		}),
	}
}

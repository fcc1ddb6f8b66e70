package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"satchel/internal/server/app"
	"satchel/internal/server/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type cli struct {
	out     io.Writer
	envFile string
	app     *app.App
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:          "satchelctl",
		Short:        "Maintenance tasks for a satchel deployment.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "load configuration from this env file instead of ./.env")

	root.AddCommand(c.sweepCmd(), c.orphansCmd(), c.deleteCmd(), c.statsCmd())
	return root
}

func (c *cli) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg *config.Config
	if c.envFile != "" {
		loaded, err := config.LoadFile(c.envFile)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired uploads and stale orphaned folders once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report := c.app.Sweeper().Run(cmd.Context())
			fmt.Fprintf(c.out, "scanned:         %d\n", report.Scanned)
			fmt.Fprintf(c.out, "backfilled:      %d\n", report.Backfilled)
			fmt.Fprintf(c.out, "deleted:         %d\n", report.Deleted)
			fmt.Fprintf(c.out, "orphans deleted: %d\n", report.OrphansDeleted)
			for _, e := range report.Errors {
				fmt.Fprintf(c.out, "error: %v\n", e)
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("sweep finished with %d errors", len(report.Errors))
			}
			return nil
		},
	}
}

func (c *cli) orphansCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List upload folders that have no metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sweeper := c.app.Sweeper()
			orphans, err := sweeper.Orphans(cmd.Context())
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Fprintln(c.out, "no orphaned uploads")
				return nil
			}

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tOBJECTS\tSIZE\tNEWEST")
			for _, o := range orphans {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", o.Slug, o.Objects, humanize.Bytes(uint64(o.Bytes)), humanize.Time(o.Newest))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if !remove {
				return nil
			}
			var errs []error
			for _, o := range orphans {
				if err := sweeper.DeleteOrphan(cmd.Context(), o.Slug); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(c.out, "deleted %s\n", o.Slug)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&remove, "delete", false, "delete every listed folder regardless of age")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <slug>",
		Short: "Delete an upload with all its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Uploads.DeleteUpload(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage and download totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := c.app.Uploads.GetStats(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(c.out, "uploads:   %d (%d galleries)\n", stats.Uploads, stats.Galleries)
			fmt.Fprintf(c.out, "files:     %d\n", stats.Files)
			fmt.Fprintf(c.out, "stored:    %s\n", humanize.Bytes(uint64(stats.StoredBytes)))
			fmt.Fprintf(c.out, "downloads: %d\n", stats.Downloads)

			if stats.Events != nil {
				fmt.Fprintf(c.out, "served:    %s in %d downloads, %d in the last 24h\n",
					humanize.Bytes(uint64(stats.Events.BytesServed)),
					stats.Events.TotalDownloads,
					stats.Events.Last24h,
				)
				for _, s := range stats.Top {
					fmt.Fprintf(c.out, "  %-24s %6d  last %s\n", s.Slug, s.Downloads, humanize.Time(s.LastDownload))
				}
			}
			return nil
		},
	}
}

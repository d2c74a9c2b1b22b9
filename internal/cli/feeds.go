package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnwards/leadfeed/internal/config"
	"github.com/johnwards/leadfeed/internal/domain"
	"github.com/johnwards/leadfeed/internal/pipeline"
	"github.com/johnwards/leadfeed/internal/session"
	"github.com/johnwards/leadfeed/internal/timerange"
)

// FeedOptions holds flags shared by the feed commands.
type FeedOptions struct {
	*RootOptions
	Range string
	Owner string
	After string
	Email string
	From  string
	To    string
}

// fetchFunc produces one page of a feed from parsed options.
type fetchFunc func(ctx context.Context, p *pipeline.Pipeline, opts *FeedOptions, from, to time.Time) (*domain.Page, error)

func newFeedCommand(rootOpts *RootOptions, use, short, key string, bounds bool, fetch fetchFunc) *cobra.Command {
	opts := &FeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			from, err := timerange.ParseBound(opts.From, false, time.Local)
			if err != nil {
				return err
			}
			to, err := timerange.ParseBound(opts.To, true, time.Local)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if opts.Email != "" {
				ctx = session.WithEmail(ctx, opts.Email)
			}
			page, err := fetch(ctx, a.pipeline, opts, from, to)
			if err != nil {
				return err
			}
			return writePage(cmd, key, page)
		},
	}

	cmd.Flags().StringVar(&opts.Range, "range", timerange.Weekly, "time range (today|yesterday|weekly|last-week|monthly|last-month|quarterly|yearly|all-time|custom)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "CRM owner ID (overrides --email)")
	cmd.Flags().StringVar(&opts.After, "after", "", "cursor returned as nextAfter by the previous page")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email of the user whose owner ID is looked up")
	if bounds {
		cmd.Flags().StringVar(&opts.From, "from", "", "explicit start (RFC 3339 or YYYY-MM-DD)")
		cmd.Flags().StringVar(&opts.To, "to", "", "explicit end (RFC 3339 or YYYY-MM-DD)")
	}

	return cmd
}

// NewActivitiesCommand creates the activities command.
func NewActivitiesCommand(rootOpts *RootOptions) *cobra.Command {
	return newFeedCommand(rootOpts, "activities", "Print one page of the engagement feed", "engagements", false,
		func(ctx context.Context, p *pipeline.Pipeline, opts *FeedOptions, _, _ time.Time) (*domain.Page, error) {
			return p.LeadsBatchActivities(ctx, opts.Range, opts.After, opts.Owner)
		})
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	return newFeedCommand(rootOpts, "tasks", "Print one page of the task feed", "tasks", true,
		func(ctx context.Context, p *pipeline.Pipeline, opts *FeedOptions, from, to time.Time) (*domain.Page, error) {
			return p.UserBatchTasks(ctx, opts.Range, opts.After, from, to, opts.Owner)
		})
}

// NewDealsCommand creates the deals command.
func NewDealsCommand(rootOpts *RootOptions) *cobra.Command {
	return newFeedCommand(rootOpts, "deals", "Print one page of the deal feed", "deals", false,
		func(ctx context.Context, p *pipeline.Pipeline, opts *FeedOptions, _, _ time.Time) (*domain.Page, error) {
			return p.OwnerDeals(ctx, opts.Range, opts.After, opts.Owner)
		})
}

func writePage(cmd *cobra.Command, key string, page *domain.Page) error {
	body := map[string]any{key: page.Records}
	if page.NextAfter != "" {
		body["nextAfter"] = page.NextAfter
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("write page: %w", err)
	}
	return nil
}

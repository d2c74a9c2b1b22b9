package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/johnwards/leadfeed/internal/config"
	"github.com/johnwards/leadfeed/internal/database"
	"github.com/johnwards/leadfeed/internal/store"
)

// CacheOptions holds flags for the cache commands.
type CacheOptions struct {
	*RootOptions
	Expired bool
}

var errCacheDisabled = errors.New("response cache is disabled (LEADFEED_CACHE_DB is empty)")

// NewCacheCommand creates the cache command and its subcommands.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or purge the response cache",
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop cached CRM responses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(cache *store.SQLiteCacheStore) error {
				purgeFn := cache.Purge
				if opts.Expired {
					purgeFn = cache.PurgeExpired
				}
				n, err := purgeFn(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
				return err
			})
		},
	}
	purge.Flags().BoolVar(&opts.Expired, "expired", false, "only drop entries past their freshness window")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(cache *store.SQLiteCacheStore) error {
				st, err := cache.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
			})
		},
	}

	cmd.AddCommand(purge, stats)
	return cmd
}

// withCache opens the configured cache database for fn. It does not need a
// CRM API key.
func withCache(cmd *cobra.Command, fn func(*store.SQLiteCacheStore) error) error {
	cfg, err := config.Read()
	if err != nil {
		return err
	}
	if cfg.CacheDB == "" {
		return errCacheDisabled
	}

	db, err := database.Open(cfg.CacheDB)
	if err != nil {
		return fmt.Errorf("open cache database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(cmd.Context(), db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return fn(store.NewSQLiteCacheStore(db))
}

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/glow-tts/internal/cache"
)

var pruneTo string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the audio cache",
	Long:  paragraph(fmt.Sprintf("\n%s the synthesized audio kept between runs.", keyword("Manage"))),
	Args:  cobra.NoArgs,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and hit rate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(c *cache.AudioCache, st cache.CacheStats) error {
			printStats(cmd.OutOrStdout(), cfg.Cache, st)
			return nil
		})
	},
}

var cachePruneCmd = &cobra.Command{
	Use:     "prune",
	Short:   "Evict least recently used audio",
	Example: paragraph("glow-tts cache prune --to 500MB"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		target, err := humanize.ParseBytes(pruneTo)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", pruneTo, err)
		}
		return withStore(cmd, func(c *cache.AudioCache, st cache.CacheStats) error {
			excess := st.Size - int64(target) //nolint:gosec
			if excess <= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Cache is %s, nothing to prune.\n", humanize.Bytes(uint64(st.Size))) //nolint:errcheck,gosec
				return nil
			}
			freed, err := c.EvictLRU(excess)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Freed %s.\n", humanize.Bytes(uint64(freed))) //nolint:errcheck,gosec
			return nil
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached audio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(c *cache.AudioCache, st cache.CacheStats) error {
			if err := c.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries (%s).\n", st.ItemCount, humanize.Bytes(uint64(st.Size))) //nolint:errcheck,gosec
			return nil
		})
	},
}

// withStore opens the configured cache and hands its store statistics to
// fn. The memory backend has nothing persistent to act on.
func withStore(cmd *cobra.Command, fn func(*cache.AudioCache, cache.CacheStats) error) error {
	c, err := openCache(context.Background(), cfg.Cache, log.Default())
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck

	st, ok := c.StoreStats()
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), faint("The memory cache is not persistent.")) //nolint:errcheck
		return nil
	}
	return fn(c, st)
}

func printStats(w io.Writer, cc cache.Config, st cache.CacheStats) {
	capacity := "unbounded"
	if st.Capacity > 0 {
		capacity = humanize.Bytes(uint64(st.Capacity))
	}
	fmt.Fprintf(w, "%s %s\n", keyword("Backend:"), cc.Backend)                                  //nolint:errcheck
	fmt.Fprintf(w, "%s %s\n", keyword("Path:   "), cachePath(cc))                               //nolint:errcheck
	fmt.Fprintf(w, "%s %d\n", keyword("Entries:"), st.ItemCount)                                //nolint:errcheck
	fmt.Fprintf(w, "%s %s of %s\n", keyword("Size:   "), humanize.Bytes(uint64(st.Size)), capacity) //nolint:errcheck,gosec
	if !st.LastAccess.IsZero() {
		fmt.Fprintf(w, "%s %s\n", keyword("Used:   "), humanize.Time(st.LastAccess)) //nolint:errcheck
	}
	if st.Hits+st.Misses > 0 {
		fmt.Fprintf(w, "%s %.0f%% of %d lookups\n", keyword("Hits:   "), st.HitRate*100, st.Hits+st.Misses) //nolint:errcheck
	}
}

func init() {
	cachePruneCmd.Flags().StringVar(&pruneTo, "to", "0", "size to shrink the cache to, e.g. 500MB")
	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd, cacheClearCmd)
}

package main

import (
	"encoding/json"
	"time"

	"cdpwebreq/internal/storage"

	"github.com/spf13/cobra"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var prune time.Duration
	cmd := &cobra.Command{
		Use:   "events",
		Short: "输出已记录的拦截事件",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Sqlite, newLogger(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if prune > 0 {
				n, err := store.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				cmd.PrintErrf("已清理 %d 条事件\n", n)
			}
			evts, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, evt := range evts {
				if err := enc.Encode(evt); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "最多输出的事件数")
	cmd.Flags().DurationVar(&prune, "prune", 0, "先删除早于该时长的事件")
	return cmd
}

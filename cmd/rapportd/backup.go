package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/scrypster/rapport/internal/backup"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the sqlite database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := openStores(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if st.sqlite == nil {
				return errors.New("backups are only supported for the sqlite storage engine")
			}

			svc, err := backup.New(st.sqlite.DB(), cfg.Storage.DataPath, cfg.Backup, logger)
			if err != nil {
				return err
			}
			res, err := svc.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			snaps, err := backup.List(backup.DirFor(cfg.Backup, cfg.Storage.DataPath))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snaps)
		},
	})
	return cmd
}

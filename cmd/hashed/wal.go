package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/xela07ax/hashed-guard/internal/ledger"
)

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect the local audit write-ahead log",
}

var walStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show undelivered and dead-lettered audit entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		wal := ledger.NewSQLiteWAL(cfg.Ledger.WALPath)
		if err := wal.Init(cmd.Context()); err != nil {
			return err
		}
		unsent, errU := wal.CountUnsent(cmd.Context())
		dead, errD := wal.CountDeadLetters(cmd.Context())
		if err := errors.Join(errU, errD, wal.Close()); err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"path":         wal.Path(),
			"unsent":       unsent,
			"dead_letters": dead,
		})
	},
}

func init() {
	walCmd.AddCommand(walStatusCmd)
}

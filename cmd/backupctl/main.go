// Package main は鍵バックアップ移行CLIのエントリポイント。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"key-backup-migrator/config"
	"key-backup-migrator/internal/infra"
)

const version = "1.0.0"

var (
	cfg       *config.Config
	output    string
	assumeYes bool
	shutdown  infra.ShutdownFunc
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "backupctl",
		Short:         "Migrate Megolm session keys into server-side key backup",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .envファイルを読み込む（存在しない場合は無視）
			// 既存の環境変数は上書きしない
			_ = godotenv.Load()

			cfg = config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			infra.SetupLogger(cfg, os.Stderr)

			var err error
			shutdown, err = infra.InitTracer(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initializing tracer: %w", err)
			}
			return nil
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to confirmation prompts")

	// サブコマンド登録
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(storeCmd())
	rootCmd.AddCommand(versionCmd())

	err := execute(ctx, rootCmd)
	stop()
	if err != nil {
		slog.Debug("command failed", "error", err)
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// execute はコマンドを実行し、成否に関わらず未送信のスパンを送信する。
// PersistentPostRunE はRunEが失敗すると呼ばれないため、ここで停止する。
func execute(ctx context.Context, cmd *cobra.Command) error {
	err := cmd.ExecuteContext(ctx)
	if shutdown != nil {
		if serr := shutdown(context.WithoutCancel(ctx)); serr != nil {
			slog.Warn("failed to flush traces", "error", serr)
		}
		shutdown = nil
	}
	return err
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "backupctl version %s\n", version)
		},
	}
}

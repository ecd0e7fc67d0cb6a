package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"secure-storage-service/config"
	"secure-storage-service/internal/app"
	"secure-storage-service/internal/domain"
	"secure-storage-service/internal/infra"
)

// openLocal はAPIを経由せず、DBとキーチェーンに直接接続する。
func openLocal(ctx context.Context) (*app.App, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := infra.SetupLogger(os.Stderr, cfg); err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Rotation.Bootstrap(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("bootstrapping rotation: %w", err)
	}
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// migrateCmd はレガシー形式からの移行コマンド。DATABASE_URL と KEYRING_* を直接使う。
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate legacy secrets to the envelope format",
		Long:  "Migrate legacy secrets to the envelope format. Runs against the local database and keyring (DATABASE_URL, KEYRING_*).",
	}
	cmd.AddCommand(migrateStatusCmd(), migrateRunCmd(), migrateLegacyKeyCmd())
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how many secrets are legacy, current or stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openLocal(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.Migration.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			if output == "json" {
				return printJSON(status)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "FORMAT\tCOUNT")
			fmt.Fprintln(w, "------\t-----")
			fmt.Fprintf(w, "legacy\t%s\n", colorCount(status.Legacy, warnColor.Sprint))
			fmt.Fprintf(w, "stale\t%s\n", colorCount(status.Stale, warnColor.Sprint))
			fmt.Fprintf(w, "current\t%d\n", status.Current)
			fmt.Fprintf(w, "total\t%d\n", status.Total)
			return w.Flush()
		},
	}
}

func colorCount(n int, sprint func(...any) string) string {
	if n == 0 {
		return "0"
	}
	return sprint(n)
}

func migrateRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Decrypt legacy secrets and store them as envelopes under the current key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openLocal(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Migration.MigrateLegacy(ctx, dryRun)
			if report == nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if output == "json" {
				if perr := printJSON(report); perr != nil {
					return perr
				}
				return err
			}

			switch {
			case report.DryRun:
				fmt.Printf("%d legacy secret(s) would be migrated.\n", report.Scanned)
			case report.Scanned == 0:
				fmt.Println("No legacy secrets.")
			default:
				okColor.Printf("Migrated %d of %d legacy secret(s)", report.Migrated, report.Scanned)
				fmt.Printf(" in %s\n", report.Duration.Round(time.Millisecond))
			}
			if report.Skipped > 0 {
				warnColor.Printf("Skipped %d secret(s) changed during migration\n", report.Skipped)
			}
			if len(report.Failed) > 0 {
				errColor.Printf("Failed: %s\n", strings.Join(report.Failed, ", "))
			}
			if errors.Is(err, domain.ErrMigrationFailed) {
				return fmt.Errorf("%d secret(s) could not be migrated", len(report.Failed))
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count legacy secrets")
	return cmd
}

func migrateLegacyKeyCmd() *cobra.Command {
	var file, kind string
	cmd := &cobra.Command{
		Use:   "install-legacy-key",
		Short: "Store a pre-envelope encryption key (base64) in the keyring",
		Long: `Store a pre-envelope encryption key (base64) in the keyring.

  --kind default  key for plain values (AES-GCM with the fixed IV)
  --kind auth     key for values stored with biometric protection ("iv]ciphertext", AES-CBC)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var keyKind infra.LegacyKeyKind
			switch kind {
			case "default":
				keyKind = infra.LegacyKeyDefault
			case "auth":
				keyKind = infra.LegacyKeyAuth
			default:
				return fmt.Errorf("--kind must be default or auth")
			}

			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil {
				return fmt.Errorf("legacy key must be base64: %w", err)
			}

			a, err := openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Provider.SetLegacyKey(keyKind, key); err != nil {
				return err
			}
			okColor.Printf("Legacy key (%s) installed.\n", kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "key-file", "", "File containing the base64 legacy key (required)")
	cmd.Flags().StringVar(&kind, "kind", "default", "Legacy key kind: default, auth")
	_ = cmd.MarkFlagRequired("key-file")
	return cmd
}

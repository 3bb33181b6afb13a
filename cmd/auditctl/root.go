package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditchain/internal/audit"
	"github.com/onnwee/auditchain/internal/config"
	"github.com/onnwee/auditchain/internal/db"
	"github.com/onnwee/auditchain/internal/middleware"
)

// Output modes accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
)

// errChainBroken is returned after a failed verification has been printed.
var errChainBroken = errors.New("audit chain verification failed")

// errMemoryStorage is returned when a store command runs against the
// in-memory driver, which holds nothing outside the server process.
var errMemoryStorage = errors.New("STORAGE_DRIVER must be postgres or sqlite for auditctl")

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "auditctl",
		Short: "Operate and verify tamper-evident audit chains",
		Long: "auditctl verifies audit chains in the configured store, exports\n" +
			"verifiable bundles, checks bundles offline and manages the schema.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputText, outputJSON:
				return nil
			default:
				return fmt.Errorf("invalid --output %q: must be text or json", opts.output)
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to an optional YAML config file")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "Output format (text|json)")

	cmd.AddCommand(
		newVerifyBundleCmd(opts),
		newVerifyCmd(opts),
		newExportCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

// loadConfig reads configuration the same way the server does.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, errs := config.Load(o.configPath)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// newLogger writes to stderr so command output stays parseable.
func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.Env == "production" {
		return middleware.NewLogger(cfg.Env)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// openRepository connects to the configured SQL store. The schema must
// already exist.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Repository, *sql.DB, error) {
	var (
		conn    *sql.DB
		dialect audit.Dialect
		err     error
	)
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		conn, dialect, err = db.Open(ctx, db.DriverPostgres, cfg.DatabaseURL)
	case config.StorageSQLite:
		conn, dialect, err = db.Open(ctx, db.DriverSQLite, cfg.SQLitePath)
	default:
		return nil, nil, errMemoryStorage
	}
	if err != nil {
		return nil, nil, err
	}
	return audit.NewSQLRepository(conn, dialect, logger), conn, nil
}

// printResult renders a verification result and returns errChainBroken
// when the chain did not verify.
func printResult(w io.Writer, output string, res *audit.VerificationResult) error {
	if output == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		writeResultText(w, res)
	}
	if !res.Valid {
		return errChainBroken
	}
	return nil
}

func writeResultText(w io.Writer, res *audit.VerificationResult) {
	if res.Valid {
		head := "-"
		if res.HeadHash != nil {
			head = res.HeadHash.String()
		}
		fmt.Fprintf(w, "VALID   scope=%s range=%d..%d checked=%d head=%s\n",
			res.ScopeID, res.FromSequence, res.ToSequence, res.CheckedCount, head)
		return
	}
	fmt.Fprintf(w, "BROKEN  scope=%s range=%d..%d checked=%d\n",
		res.ScopeID, res.FromSequence, res.ToSequence, res.CheckedCount)
	if len(res.Findings) == 0 {
		fmt.Fprintf(w, "  sequence %d: %s %s\n", res.BrokenAtSequence, res.Reason, res.Detail)
		return
	}
	for _, f := range res.Findings {
		fmt.Fprintf(w, "  sequence %d: %s %s\n", f.Sequence, f.Reason, strings.TrimSpace(f.Detail))
	}
}

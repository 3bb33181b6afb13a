package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditchain/internal/audit"
)

type verifyOptions struct {
	scope           string
	all             bool
	from            int64
	to              int64
	continueOnBreak bool
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	opts := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a scope's chain in the configured store",
		Long: "Walks the chain of one scope, or of every scope with --all, and\n" +
			"recomputes each entry hash. The run is read-only. Exits non-zero\n" +
			"when any chain is broken.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.scope, "scope", "s", "", "Scope to verify")
	cmd.Flags().BoolVar(&opts.all, "all", false, "Verify every scope")
	cmd.Flags().Int64Var(&opts.from, "from", 0, "First sequence number (default: 1)")
	cmd.Flags().Int64Var(&opts.to, "to", 0, "Last sequence number (default: head)")
	cmd.Flags().BoolVar(&opts.continueOnBreak, "continue-on-break", false, "Report every broken entry instead of stopping at the first")
	cmd.MarkFlagsMutuallyExclusive("scope", "all")
	cmd.MarkFlagsOneRequired("scope", "all")
	return cmd
}

func runVerify(cmd *cobra.Command, root *rootOptions, opts *verifyOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := cmd.Context()

	repo, conn, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	verifier, err := audit.NewVerifier(repo, audit.VerifierConfig{
		BatchSize: cfg.ScanBatchSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	scopes := []string{opts.scope}
	if opts.all {
		scopes, err = repo.Scopes(ctx)
		if err != nil {
			return err
		}
	}

	var broken bool
	vopts := audit.VerifyOptions{ContinueOnBreak: opts.continueOnBreak}
	for _, scopeID := range scopes {
		res, err := verifier.Verify(ctx, scopeID, audit.Range{From: opts.from, To: opts.to}, vopts)
		if err != nil {
			return err
		}
		if err := printResult(cmd.OutOrStdout(), root.output, res); err != nil {
			if !errors.Is(err, errChainBroken) {
				return err
			}
			broken = true
		}
	}
	if broken {
		return errChainBroken
	}
	return nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditchain/internal/audit"
)

type verifyBundleOptions struct {
	format          string
	continueOnBreak bool
}

func newVerifyBundleCmd(root *rootOptions) *cobra.Command {
	opts := &verifyBundleOptions{}
	cmd := &cobra.Command{
		Use:   "verify-bundle <file>",
		Short: "Verify an exported bundle offline",
		Long: "Reads a bundle produced by an export and re-checks every hash and\n" +
			"link without access to the store. The format is taken from the file\n" +
			"extension unless --format is given. Use - to read stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyBundle(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Bundle format (json|jsonl|cbor)")
	cmd.Flags().BoolVar(&opts.continueOnBreak, "continue-on-break", false, "Report every broken entry instead of stopping at the first")
	return cmd
}

func runVerifyBundle(cmd *cobra.Command, root *rootOptions, opts *verifyBundleOptions, path string) error {
	name := opts.format
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	format, err := audit.ParseFormat(name)
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open bundle: %w", err)
		}
		defer f.Close()
		in = f
	}

	bundle, err := audit.ReadBundle(in, format)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	res := audit.VerifyBundle(bundle, audit.VerifyOptions{ContinueOnBreak: opts.continueOnBreak})
	return printResult(cmd.OutOrStdout(), root.output, res)
}

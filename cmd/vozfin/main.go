package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/interpreter"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "vozfin",
		Short:        "Turn spoken Portuguese into financial transactions",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(interpretCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

type candidateOutput struct {
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Confidence  int    `json:"confidence"`
}

func interpretCmd() *cobra.Command {
	var (
		date     string
		timezone string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "interpret [text]",
		Short: "Interpret a sentence as a transaction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.Local
			if timezone != "" {
				var err error
				if loc, err = time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid timezone: %w", err)
				}
			}
			ref := time.Now().In(loc)
			if date != "" {
				var err error
				if ref, err = time.ParseInLocation(interpreter.DateLayout, date, loc); err != nil {
					return errors.New("--date must be YYYY-MM-DD")
				}
			}

			text := strings.Join(args, " ")
			cand, ok := interpreter.Interpret(text, ref)
			if !ok {
				return fmt.Errorf("no amount found in %q", text)
			}
			out := candidateOutput{
				Type:        string(cand.Type),
				Amount:      cand.Amount.StringFixed(2),
				Category:    string(cand.Category),
				Description: cand.Description,
				Date:        cand.DateString(),
				Confidence:  cand.Confidence,
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return printCandidate(cmd.OutOrStdout(), out, cand.Category.Label())
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "reference date (YYYY-MM-DD), defaults to today")
	cmd.Flags().StringVar(&timezone, "tz", "", "timezone of the reference date")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the candidate as JSON")
	return cmd
}

func printCandidate(w io.Writer, out candidateOutput, label string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "type:\t%s\n", out.Type)
	fmt.Fprintf(tw, "amount:\tR$ %s\n", strings.Replace(out.Amount, ".", ",", 1))
	fmt.Fprintf(tw, "category:\t%s (%s)\n", label, out.Category)
	fmt.Fprintf(tw, "description:\t%s\n", out.Description)
	fmt.Fprintf(tw, "date:\t%s\n", out.Date)
	fmt.Fprintf(tw, "confidence:\t%d%%\n", out.Confidence)
	return tw.Flush()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect daemon configuration",
	}

	var path string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (runtime %s, http %s:%d, bus embedded=%t)\n",
				cfg.RuntimeName, cfg.HTTP.Bind, cfg.HTTP.Port, cfg.Bus.Embedded)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&path, "config", "vozfin.yaml", "path to configuration file")
	cmd.AddCommand(validateCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

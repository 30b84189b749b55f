package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"council/internal/export"
	"council/internal/models"
)

func newHistoryCmd(s *rootState) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved deliberations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.List(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No saved deliberations. Use `council ask --save`.")
				return nil
			}
			fmt.Fprintln(out, historyTable(records))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func newShowCmd(s *rootState) *cobra.Command {
	var asJSON, raw bool
	var exportPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved deliberation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.app.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := st.Get(args[0])
			if err != nil {
				return err
			}
			if exportPath != "" {
				if err := export.WriteFile(result, exportPath); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprint(out, renderMarkdown(export.Markdown(result), raw))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without terminal styling")
	cmd.Flags().StringVar(&exportPath, "export", "", "also write a markdown report to this file")
	return cmd
}

func newCircuitsCmd(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "circuits",
		Short: "Show circuit breaker state and recorded failures per model",
		Long: `Breakers live in process memory, so a fresh process reports every model as
closed. Failure counts come from saved deliberations. Use "council ask --circuits"
to see breaker state right after a run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var failures map[string]int
			if st, err := s.app.openStore(); err == nil {
				failures, err = st.FailureCounts()
				st.Close()
				if err != nil {
					return err
				}
			} else {
				s.log.Warn("history unavailable", "error", err.Error())
			}

			stats := models.WithCouncil(s.app.client.CircuitStats(), s.app.orch.Council())
			fmt.Fprintln(cmd.OutOrStdout(), circuitTable(stats, failures))
			return nil
		},
	}
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/llm"
	"github.com/soyeahso/docchat/internal/retrieval"
	"github.com/spf13/cobra"
)

// dryRunSession tags chunks produced by "docchat ingest".
const dryRunSession domain.SessionID = "dry-run"

func newIngestCmd() *cobra.Command {
	var (
		asJSON bool
		full   bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Show the chunks a document is split into (nothing is stored)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			ld, err := newLoader(cfg, paths, log)
			if err != nil {
				return err
			}
			tok, err := llm.TokenizerFor(cfg.LLM.Model)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")

			for _, file := range args {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				chunks, err := ld.Load(context.Background(), dryRunSession, file, data)
				if err != nil {
					return err
				}

				if asJSON {
					if err := enc.Encode(chunks); err != nil {
						return err
					}
					continue
				}

				fmt.Fprintf(out, "%s: %d chunk(s)\n", file, len(chunks))
				for _, c := range chunks {
					fmt.Fprintf(out, "  [%d] %d tokens %s\n",
						c.Metadata.ChunkIndex, tok.Count(c.Text), retrieval.FormatMetadata(c.Metadata))
					if full {
						fmt.Fprintln(out, indent(c.Text, "      "))
					} else {
						fmt.Fprintf(out, "      %s\n", preview(c.Text, 72))
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print chunks as JSON")
	cmd.Flags().BoolVar(&full, "full", false, "print the full text of every chunk")

	return cmd
}

// preview returns the first line of s cut to at most n runes.
func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+prefix)
}

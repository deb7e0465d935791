package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/soyeahso/docchat/internal/config"
	"github.com/soyeahso/docchat/internal/embedder"
	"github.com/soyeahso/docchat/internal/loader"
	"github.com/soyeahso/docchat/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show docchat paths and a configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "docchat %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Fprintf(out, "Config:  %s\n", paths.Config)
			fmt.Fprintf(out, "Data:    %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:    %s\n", paths.Logs)
			fmt.Fprintln(out)

			cfg, err := loadedConfig()
			if err != nil {
				fmt.Fprintf(out, "Config:  error loading: %v\n", err)
				return nil
			}
			if _, err := os.Stat(paths.Config); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(out, "Config:  not found (using defaults)")
			}

			fmt.Fprintf(out, "Gateway: port=%d bind=%s auth=%s tls=%v maxUpload=%dMB\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.TLS.Enabled, cfg.Gateway.MaxUploadMB)

			fmt.Fprintf(out, "LLM:     %s/%s", cfg.LLM.Provider, cfg.LLM.Model)
			for _, fb := range cfg.LLM.Fallbacks {
				fmt.Fprintf(out, " -> %s/%s", fb.Provider, fb.Model)
			}
			fmt.Fprintln(out)

			if provider, model, err := embedder.Resolve(cfg.Embedding.Model); err == nil {
				fmt.Fprintf(out, "Embed:   %s (%s)\n", model, provider)
			} else {
				fmt.Fprintf(out, "Embed:   %v\n", err)
			}

			fmt.Fprintf(out, "Store:   %s\n", cfg.VectorStore.Driver)
			fmt.Fprintf(out, "Search:  topK=%d minRelevance=%.2f\n", cfg.Search.TopK, cfg.Search.MinRelevance)
			fmt.Fprintf(out, "Chunks:  size=%d overlap=%d tokens\n", cfg.Chunking.SizeTokens, cfg.Chunking.OverlapTokens)
			fmt.Fprintf(out, "Session: history=%s monitor=%s\n", cfg.Session.HistoryStore, cfg.Session.MonitorInterval())
			fmt.Fprintf(out, "Files:   %v\n", loader.Kinds)

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

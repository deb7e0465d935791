package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/llm"
	"github.com/soyeahso/docchat/internal/session"
	"github.com/spf13/cobra"
)

// localSession opens an ephemeral session and indexes files into it. The
// returned cleanup wipes the session and releases the app.
func localSession(ctx context.Context, cmd *cobra.Command, files []string) (*session.Context, func(), error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(ctx, cfg, paths, log)
	if err != nil {
		return nil, nil, err
	}

	id := domain.SessionID("cli-" + uuid.NewString())
	sc, err := a.sessions.Open(id)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	cleanup := func() {
		// the signal context may already be cancelled
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.sessions.Close(closeCtx, id); err != nil {
			log.Warn().Err(err).Str("session", string(id)).Msg("session cleanup incomplete")
		}
		a.Close()
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		res, err := sc.Ingest(ctx, file, data)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "indexed %s (%d chunks)\n", res.FileName, res.Chunks)
	}
	return sc, cleanup, nil
}

func newAskCmd() *cobra.Command {
	var (
		files    []string
		noStream bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Index files into a temporary session and ask a question about them",
		Long: "Index files into a temporary session and ask a question about them.\n" +
			"A question starting with \"chroma:\" prints the raw search results instead.\n" +
			"The session and its chunks are deleted when the command exits.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sc, cleanup, err := localSession(ctx, cmd, files)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			var cb func(llm.StreamEvent)
			if !noStream {
				cb = func(evt llm.StreamEvent) {
					if evt.Type == llm.EventDelta {
						fmt.Fprint(out, evt.Content)
					}
				}
			}

			ans, err := sc.Ask(ctx, question, cb)
			if err != nil {
				return err
			}
			if cb == nil || ans.Debug {
				fmt.Fprint(out, ans.Response)
			}
			fmt.Fprintln(out)

			if res := ans.Run; res != nil && res.Model != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n[model=%s tokens=%d+%d fallback=%v]\n",
					res.Model, res.Usage.InputTokens, res.Usage.OutputTokens, res.Fallback)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "document to index before asking (repeatable)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "print the answer only when it is complete")

	return cmd
}

func newSearchCmd() *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Index files into a temporary session and print the passages a query retrieves",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sc, cleanup, err := localSession(ctx, cmd, files)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := sc.Retriever.RawSearch(ctx, query)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "document to index before searching (repeatable)")

	return cmd
}

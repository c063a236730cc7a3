package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"eda-agent/config"
	"eda-agent/web/services"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	askFile   string
	askAPIKey string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question about a CSV file and print the answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.TrimSpace(args[0])
		if question == "" {
			return errors.New("question cannot be empty")
		}
		if askFile == "" {
			return errors.New("--file is required")
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer config.Cleanup()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(askFile)
		if err != nil {
			return fmt.Errorf("open %s: %w", askFile, err)
		}
		ds, err := a.uploads.Load(filepath.Base(askFile), f)
		f.Close()
		if err != nil {
			return errors.New(services.UserMessage(err))
		}

		sessionID, err := a.manager.New(ctx)
		if err != nil {
			return err
		}
		if key := strings.TrimSpace(askAPIKey); key != "" {
			a.manager.SetCredential(sessionID, key)
		}
		if err := a.manager.SetDataset(ctx, sessionID, ds); err != nil {
			return err
		}
		logger.Debug("Dataset loaded",
			zap.String("session_id", sessionID),
			zap.Int("rows", ds.NumRows()),
			zap.Int("columns", ds.NumColumns()))

		exchange, err := a.chat.Ask(ctx, sessionID, question)
		if err != nil {
			return err
		}
		return writeAnswer(cmd.OutOrStdout(), exchange, a.manager.WorkspacePath(sessionID))
	},
}

// writeAnswer prints the assistant message and, when a chart was produced,
// its path on disk. A failed analysis is printed and reported as an error.
func writeAnswer(w io.Writer, exchange *services.Exchange, workspace string) error {
	msg := exchange.Assistant
	fmt.Fprintln(w, strings.TrimSpace(msg.Content))
	if msg.Chart != nil {
		fmt.Fprintf(w, "\nChart: %s\n", filepath.Join(workspace, msg.Chart.File))
	}
	if strings.HasPrefix(msg.Content, services.AnalysisErrorPrefix) {
		return errors.New("analysis failed")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askFile, "file", "f", "", "CSV file to analyse (required)")
	askCmd.Flags().StringVar(&askAPIKey, "api-key", "", "API key for the model provider (defaults to the configured secret)")
}

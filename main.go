package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/briangreenhill/canvasgpt/internal/app"
	"github.com/briangreenhill/canvasgpt/internal/config"
	"github.com/briangreenhill/canvasgpt/internal/logging"
	"github.com/briangreenhill/canvasgpt/internal/prompt"
	"github.com/briangreenhill/canvasgpt/tools"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "canvasgpt",
		Short: "Privacy preserving Canvas LMS tools for AI assistants",
		Long: `canvasgpt calls the Canvas LMS API on behalf of an AI assistant.
Student names and emails are replaced with stable pseudonyms and free text is
scrubbed before anything is printed or cached.

Configuration is read from the environment, for example:
  CANVAS_BASE_URL=https://school.instructure.com CANVAS_API_TOKEN=... canvasgpt call list_courses`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error), overrides LOG_LEVEL")

	rootCmd.AddCommand(newToolsCmd(), newCallCmd(), newPromptCmd(), newVersionCmd())
	return rootCmd
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the available tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app.App) error {
				printTools(cmd.OutOrStdout(), a.Tools)
				return nil
			})
		},
	}
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call a tool and print its result",
		Example: `  canvasgpt call list_assignments --args '{"course_identifier":"BIO101","bucket":"upcoming"}'
  echo '{"course_identifier":"BIO101"}' | canvasgpt call get_course_details --args -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := cmd.Flags().GetString("args")
			if err != nil {
				return fmt.Errorf("failed to get args flag: %w", err)
			}
			input, err := readArgs(raw, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app.App) error {
				out, err := a.Tools.Call(cmd.Context(), args[0], input)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				if !strings.HasSuffix(out, "\n") {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("args", "a", "", "Tool arguments as a JSON object, or - to read them from stdin")
	return cmd
}

func newPromptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompt",
		Short: "Print the instructions to give the assistant",
		Long:  "Print the assistant instructions. PROMPT_FILE replaces the built-in text.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Only the prompt settings are needed, so Canvas credentials are not validated.
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Out: cmd.ErrOrStderr()})
			g := prompt.NewGenerator(cfg.Privacy.Label, cfg.PromptFile)
			fmt.Fprint(cmd.OutOrStdout(), g.GenerateWithFallback(logger))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "canvasgpt v%s\n", version)
		},
	}
}

// withApp loads configuration, wires the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Log.Level = level
	}
	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Out: cmd.ErrOrStderr()})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	a, err := app.New(cmd.Context(), cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close app")
		}
	}()
	return fn(a)
}

// readArgs returns the tool arguments named by the --args flag.
func readArgs(raw string, stdin io.Reader) (json.RawMessage, error) {
	if raw == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read args from stdin: %w", err)
		}
		raw = string(b)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("--args is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printTools(w io.Writer, reg *tools.Registry) {
	for _, t := range reg.Tools() {
		fmt.Fprintf(w, "%s\n  %s\n", t.Name(), t.Description())
		for _, p := range t.Params() {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(w, "    %s (%s, %s) %s\n", p.Name, p.Type, req, p.Description)
		}
	}
}

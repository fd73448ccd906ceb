package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/answergrader/internal/evaluation"
	"github.com/pavelanni/answergrader/internal/llm"
	"github.com/pavelanni/answergrader/internal/llm/prompts"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "answergrader",
		Short: "AI-assisted grading of submitted exam answers",
	}

	serve := serveCmd()
	root.AddCommand(serve, evaluateCmd(), importCmd(), exportCmd(), hashKeyCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `answergrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db-driver", "sqlite", "Database driver (sqlite, postgres)")
	f.String("db", "answergrader.db", "Database DSN (file path for sqlite)")
}

func addLLMFlags(f *pflag.FlagSet) {
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty for the OpenAI default)")
	f.String("llm-key", "", "API key for the grading model (or set OPENAI_API_KEY)")
	f.String("llm-model", llm.DefaultModel, "Grading model name")
	f.Duration("llm-timeout", llm.DefaultTimeout, "Wall-clock limit for one model call")
	f.Float64("llm-temperature", llm.DefaultTemperature, "Sampling temperature")
	f.Int("llm-max-tokens", llm.DefaultMaxTokens, "Completion token limit")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("blob-base-url", "", "Public base URL for relative image references")
	f.String("blob-dir", "", "Directory holding image files to inline when no base URL is set")
	f.Duration("claim-ttl", evaluation.DefaultClaimTTL, "Age after which an unfinished evaluation claim can be taken over")
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ANSWERGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("openai-api-key", "OPENAI_API_KEY")

	v.SetConfigName("answergrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/answergrader")
	v.AddConfigPath("/etc/answergrader")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfrisbey/rqtree/internal/fslocal"
	"github.com/mfrisbey/rqtree/internal/overlay"
	"github.com/mfrisbey/rqtree/internal/remoteclient"
	"github.com/mfrisbey/rqtree/internal/rqconfig"
	"github.com/mfrisbey/rqtree/internal/share"
	"github.com/mfrisbey/rqtree/internal/syncproc"
	"github.com/mfrisbey/rqtree/internal/uploader"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagBaseURL    string
	flagTokenEnv   string
	flagLocalRoot  string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that build their own CLIContext
// (currently none; kept for parity with the teacher's command tree so a
// future auth-less/offline command can opt out the same way).
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles everything a subcommand needs: the share, overlay
// tree, uploader, and sync processor, all wired against one configured
// remote+local pair. Built once in PersistentPreRunE.
type CLIContext struct {
	Share    *share.Share
	Tree     *overlay.Tree
	Uploader *uploader.Uploader
	Sync     *syncproc.Processor
	Logger   *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command does not skip setup")
	}

	return cc
}

const httpClientTimeout = 30 * time.Second

// envTokenSource reads a bearer token from an environment variable on
// every call, so a long-lived CLI process picks up a rotated token
// without restarting.
type envTokenSource struct {
	envVar string
}

func (e envTokenSource) Token() (string, error) {
	return os.Getenv(e.envVar), nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rqtreectl",
		Short:         "RQ caching tree CLI",
		Long:          "A CLI for exercising the request-queuing caching tree against a remote asset API.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return setupCLIContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "TOML config file path")
	cmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "http://localhost:8080", "remote asset API base URL")
	cmd.PersistentFlags().StringVar(&flagTokenEnv, "token-env", "RQTREE_TOKEN", "environment variable holding the bearer token")
	cmd.PersistentFlags().StringVar(&flagLocalRoot, "local-root", "", "local cache root directory (defaults to the config's work_path)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newMvCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// setupCLIContext loads config, builds the logger, and wires Remote,
// Local, Share, Tree, Uploader, and Processor, storing the result on the
// command's context for RunE handlers.
func setupCLIContext(cmd *cobra.Command) error {
	logger := buildLogger()

	cfg := rqconfig.DefaultConfig()

	if flagConfigPath != "" {
		loaded, err := rqconfig.Load(flagConfigPath, logger)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cfg = loaded
	}

	if flagLocalRoot != "" {
		cfg.WorkPath = flagLocalRoot
	}

	sh, err := share.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing share: %w", err)
	}

	httpClient := &http.Client{Timeout: httpClientTimeout}
	remote := remoteclient.NewClient(flagBaseURL, httpClient, envTokenSource{envVar: flagTokenEnv}, logger)

	local, err := fslocal.New(cfg.WorkPath)
	if err != nil {
		_ = sh.Close()
		return fmt.Errorf("initializing local cache root: %w", err)
	}

	tree := overlay.New(sh, remote, local)
	up := uploader.New(remote, sh.Bus, logger, cfg.ChunkUploadSize(), cfg.MaxRetries, cfg.RetryDelay())
	proc := syncproc.New(sh, local, remote, up)

	cc := &CLIContext{Share: sh, Tree: tree, Uploader: up, Sync: proc, Logger: logger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger whose level is governed by the
// mutually-exclusive --verbose/--debug/--quiet flags (default: warn).
func buildLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/probelab/surveyor/internal/captcha"
	"github.com/probelab/surveyor/internal/checkpoint"
	"github.com/probelab/surveyor/internal/export"
	"github.com/probelab/surveyor/internal/identity"
	"github.com/probelab/surveyor/internal/logger"
	"github.com/probelab/surveyor/internal/metrics"
	"github.com/probelab/surveyor/internal/recovery"
	"github.com/probelab/surveyor/internal/results"
	resultsqlite "github.com/probelab/surveyor/internal/results/sqlite"
	"github.com/probelab/surveyor/internal/runner"
	"github.com/probelab/surveyor/internal/session"
	"github.com/probelab/surveyor/pkg/study"
	"github.com/probelab/surveyor/pkg/surface"

	// Registered surface adapters.
	_ "github.com/probelab/surveyor/pkg/surface/anthropic"
	_ "github.com/probelab/surveyor/pkg/surface/ddg"
	_ "github.com/probelab/surveyor/pkg/surface/googleserp"
	_ "github.com/probelab/surveyor/pkg/surface/openai"
	_ "github.com/probelab/surveyor/pkg/surface/webapi"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a study against one or more surfaces",
	Long: `Run submits every query in the study file to each selected surface, in
order, and checkpoints progress after every few queries. A re-run with the
same study id resumes from the latest checkpoint instead of starting over.

Surfaces run concurrently, each with its own egress session and recovery
state. The command exits non-zero when any surface run aborts.`,
	RunE: runStudy,
}

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()

	flags.StringP("queries", "f", "", "path to query file, one query per line (required)")
	flags.String("study", "", "study identifier (required)")
	flags.StringSliceP("surface", "s", nil, "surface(s) to query (required, can be repeated)")

	flags.String("identities", "", "path to egress identity pool YAML")
	flags.String("location", "US", "expected egress location, e.g. US or US-CA")

	flags.StringP("api-key", "k", "", "provider API key (or use env var)")
	flags.StringP("model", "m", "", "model name for AI assistant surfaces")
	flags.String("base-url", "", "custom provider base URL")
	flags.String("prompt-transform", "", "framing instruction prepended to each query (AI surfaces)")

	flags.StringP("output", "o", "", "write finished runs to this file (per-surface suffix added when needed)")
	flags.String("format", "json", "output format: json, jsonl, yaml")

	flags.String("checkpoint-dir", "checkpoints", "directory for checkpoint files")
	flags.Bool("fresh", false, "ignore existing checkpoints and start from query zero")
	flags.String("archive", "", "SQLite results archive path (default: no archive)")

	flags.Duration("timeout", 90*time.Second, "per-query timeout")
	flags.Duration("delay", 8*time.Second, "base delay between queries (jittered)")
	flags.Int("max-consecutive-failures", 3, "failures in a row before identity rotation")
	flags.Int("max-recovery-attempts", 3, "identity rotations before the study aborts")
	flags.Int("checkpoint-every", 5, "queries between periodic checkpoints")
	flags.Duration("recovery-cooldown", 30*time.Second, "pause after a successful rotation")

	flags.Bool("headless", true, "run browser sessions headless")
	flags.String("captcha-key", "", "CAPTCHA solver API key (or TWOCAPTCHA_API_KEY)")
	flags.String("captcha-url", "", "CAPTCHA solver base URL")
	flags.String("metrics-addr", "", "Prometheus /metrics listen address, e.g. :9090")

	_ = runCmd.MarkFlagRequired("queries")
	_ = runCmd.MarkFlagRequired("study")
	_ = runCmd.MarkFlagRequired("surface")

	_ = viper.BindPFlag("identities", flags.Lookup("identities"))
	_ = viper.BindPFlag("api_key", flags.Lookup("api-key"))
	_ = viper.BindPFlag("model", flags.Lookup("model"))
	_ = viper.BindPFlag("base_url", flags.Lookup("base-url"))
	_ = viper.BindPFlag("captcha_api_key", flags.Lookup("captcha-key"))
}

func runStudy(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{
		Debug: viper.GetBool("debug"),
		Quiet: viper.GetBool("quiet"),
		JSON:  viper.GetBool("log_json"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	queriesPath, _ := cmd.Flags().GetString("queries")
	queries, err := loadQueries(queriesPath)
	if err != nil {
		logError("loading queries: %v", err)
		return err
	}
	studyID, _ := cmd.Flags().GetString("study")
	surfaceNames, _ := cmd.Flags().GetStringSlice("surface")
	location, _ := cmd.Flags().GetString("location")

	logger.Info("study configured",
		"study", studyID,
		"queries", len(queries),
		"surfaces", surfaceNames,
		"location", location)

	pool, err := loadPool()
	if err != nil {
		logError("loading identity pool: %v", err)
		return err
	}

	checkpointDir, _ := cmd.Flags().GetString("checkpoint-dir")
	store, err := checkpoint.NewStore(checkpointDir)
	if err != nil {
		logError("opening checkpoint store: %v", err)
		return err
	}

	archivePath, _ := cmd.Flags().GetString("archive")
	var archive results.Archive
	if archivePath != "" {
		a, err := resultsqlite.New(archivePath)
		if err != nil {
			logError("opening results archive: %v", err)
			return err
		}
		defer a.Close()
		archive = a
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		metrics.Serve(addr)
	}

	surfaceCfg := surface.Config{
		APIKey:          viper.GetString("api_key"),
		BaseURL:         viper.GetString("base_url"),
		Model:           viper.GetString("model"),
		PromptTransform: cmd.Flags().Lookup("prompt-transform").Value.String(),
	}

	var resolver *captcha.Resolver
	if key := viper.GetString("captcha_api_key"); key != "" {
		solverURL, _ := cmd.Flags().GetString("captcha-url")
		resolver = captcha.NewResolver(captcha.NewSolverClient(key, solverURL))
	}

	outputPathBase, _ := cmd.Flags().GetString("output")
	formatStr, _ := cmd.Flags().GetString("format")

	headless, _ := cmd.Flags().GetBool("headless")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	delay, _ := cmd.Flags().GetDuration("delay")
	maxConsecutive, _ := cmd.Flags().GetInt("max-consecutive-failures")
	maxRecovery, _ := cmd.Flags().GetInt("max-recovery-attempts")
	checkpointEvery, _ := cmd.Flags().GetInt("checkpoint-every")
	cooldown, _ := cmd.Flags().GetDuration("recovery-cooldown")
	fresh, _ := cmd.Flags().GetBool("fresh")

	// One stdin, many workers: serialize operator prompts so two stuck
	// surfaces cannot race for the same keystroke.
	prompter := &serialPrompter{inner: recovery.NewStdinPrompter()}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var aborted []string

	for _, name := range surfaceNames {
		adapter, err := surface.New(name, surfaceCfg)
		if err != nil {
			logError("%v", err)
			return err
		}

		g.Go(func() error {
			sessionCfg := session.DefaultConfig()
			sessionCfg.Headless = headless
			mgr := session.NewManager(sessionCfg)
			defer mgr.Close()

			r := runner.New(runner.Config{
				StudyID: studyID,
				// Checkpoints are scoped per surface so concurrent
				// surfaces never share a resume offset.
				CheckpointKey:          studyID + "_" + adapter.Name(),
				ExpectedLocation:       location,
				QueryTimeout:           timeout,
				MaxConsecutiveFailures: maxConsecutive,
				MaxRecoveryAttempts:    maxRecovery,
				CheckpointEvery:        checkpointEvery,
				InterQueryDelay:        delay,
				RecoveryCooldown:       cooldown,
				Fresh:                  fresh,
			}, queries, adapter, pool, mgr, store, runner.Options{
				Resolver: resolver,
				Prompter: prompter,
			})

			res, err := r.Run(gctx)
			if err != nil {
				return fmt.Errorf("surface %s: %w", adapter.Name(), err)
			}
			if archive != nil {
				if runID, err := archive.SaveRun(context.Background(), res); err != nil {
					logger.Error("archiving run failed", "surface", adapter.Name(), "error", err)
				} else {
					logger.Info("run archived", "surface", adapter.Name(), "run_id", runID)
				}
			}
			if outputPathBase != "" {
				path := outputPath(outputPathBase, adapter.Name(), len(surfaceNames) > 1)
				if err := writeRun(path, export.Format(formatStr), res); err != nil {
					logger.Error("writing run output failed", "path", path, "error", err)
				} else {
					logger.Info("run written", "surface", adapter.Name(), "path", path)
				}
			}
			logger.Info("surface run finished",
				"surface", adapter.Name(),
				"completed", res.Completed,
				"total", res.Total,
				"aborted", res.Aborted)
			if res.Aborted {
				mu.Lock()
				aborted = append(aborted, fmt.Sprintf("%s (%s)", adapter.Name(), res.Reason))
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logError("%v", err)
		return err
	}
	if len(aborted) > 0 {
		err := fmt.Errorf("aborted surfaces: %s", strings.Join(aborted, ", "))
		logError("%v", err)
		return err
	}
	return nil
}

// outputPath derives the per-surface output file from the base path: with
// several surfaces the surface name is inserted before the extension.
func outputPath(base, surfaceName string, multi bool) string {
	if !multi {
		return base
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + surfaceName + ext
}

func writeRun(path string, format export.Format, res *study.Result) error {
	f, err := os.Create(path) //#nosec G304 -- CLI tool writes to a user-specified output file
	if err != nil {
		return err
	}
	if err := export.Write(f, format, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// loadQueries reads one query per line, skipping blanks and # comments.
func loadQueries(path string) ([]study.Query, error) {
	f, err := os.Open(path) //#nosec G304 -- CLI tool reads a user-specified query file
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var texts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		texts = append(texts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no queries in %s", path)
	}
	return study.Queries(texts), nil
}

func loadPool() (*identity.Pool, error) {
	path := viper.GetString("identities")
	if path == "" {
		return identity.NewPool(nil)
	}
	return identity.LoadFile(path)
}

// serialPrompter lets one operator prompt run at a time.
type serialPrompter struct {
	mu    sync.Mutex
	inner recovery.Prompter
}

func (p *serialPrompter) Prompt(ctx context.Context, reason string) (recovery.OperatorDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.Prompt(ctx, reason)
}

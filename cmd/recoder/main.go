// Command recoder re-encodes images to fit byte budgets from the shell.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	mediarecoder "github.com/Skryldev/media-recoder"
	"github.com/Skryldev/media-recoder/adapters/storage"
	"github.com/Skryldev/media-recoder/adapters/vips"
	"github.com/Skryldev/media-recoder/allocate"
	"github.com/Skryldev/media-recoder/config"
	"github.com/Skryldev/media-recoder/core"
	"github.com/Skryldev/media-recoder/hooks"
	"github.com/Skryldev/media-recoder/recode"
)

type app struct {
	configPath  string
	logLevel    string
	logFormat   string
	backend     string
	metricsFile string

	cfg     config.Config
	log     *slog.Logger
	rec     *mediarecoder.Recoder
	metrics *hooks.InMemoryMetrics
	prom    *prometheus.Registry
	vips    *vips.Backend
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "recoder",
		Short:         "Re-encode images and GIFs to fit byte budgets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error { return a.close() },
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	pf.StringVar(&a.logFormat, "log-format", "", "text or json (overrides config)")
	pf.StringVar(&a.backend, "backend", "", "std or vips (overrides config)")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(a.imageCmd(), a.gifCmd(), a.batchCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if cmd.Flags().Changed("backend") {
		cfg.Backend = config.BackendKind(a.backend)
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.log = newLogger(cfg)

	a.rec = mediarecoder.New(cfg)
	logger := hooks.NewSlogLogger(a.log)
	a.metrics = hooks.NewInMemoryMetrics()
	var collector core.MetricsCollector = a.metrics
	if a.metricsFile != "" {
		a.prom = prometheus.NewRegistry()
		pm, err := hooks.NewPrometheusMetrics("", a.prom)
		if err != nil {
			return err
		}
		collector = hooks.Tee(a.metrics, pm)
	}
	a.rec.SetLogger(logger)
	a.rec.SetMetrics(collector)
	a.rec.AddHook(hooks.NewLoggingHook(logger))
	a.rec.AddHook(hooks.NewMetricsHook(collector))

	if cfg.Backend == config.BackendVips {
		a.vips = vips.NewBackend(vips.BackendConfig{
			DefaultQuality: cfg.Recode.StartQuality,
			MaxCacheSize:   cfg.Vips.MaxCacheSize,
			MaxWorkers:     cfg.WorkerCount,
			ReportLeaks:    cfg.Vips.ReportLeaks,
		})
		a.rec.UseVips(a.vips)
	}
	return nil
}

func (a *app) close() error {
	if a.metrics != nil && a.log != nil {
		snap := a.metrics.Snapshot()
		a.log.Debug("recoder.metrics",
			"attempts", snap.StageCalls["static.attempt"]+snap.StageCalls["animated.attempt"],
			"output_bytes", snap.TotalThroughputB,
			"outcomes", snap.Outcomes,
		)
	}
	if a.vips != nil {
		a.vips.Shutdown()
	}
	if a.prom != nil {
		return prometheus.WriteToTextfile(a.metricsFile, a.prom)
	}
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── single image commands ─────────────────────────────────────────────────────

type limitFlags struct {
	maxBytes int
	width    int
	height   int
	quality  int
	attempts int
}

func (f *limitFlags) register(cmd *cobra.Command, withQuality bool) {
	cmd.Flags().IntVar(&f.maxBytes, "max-bytes", 0, "output byte budget (required)")
	cmd.Flags().IntVar(&f.width, "width", 0, "maximum output width (0 = unconstrained)")
	cmd.Flags().IntVar(&f.height, "height", 0, "maximum output height (0 = unconstrained)")
	cmd.Flags().IntVar(&f.attempts, "attempts", mediarecoder.DefaultMaxAttempts, "maximum recode attempts")
	if withQuality {
		cmd.Flags().IntVar(&f.quality, "quality", mediarecoder.DefaultStartQuality, "JPEG quality of the first attempt")
	}
	_ = cmd.MarkFlagRequired("max-bytes")
}

func (f *limitFlags) options() []mediarecoder.Option {
	opts := []mediarecoder.Option{mediarecoder.WithMaxAttempts(f.attempts)}
	if f.quality > 0 {
		opts = append(opts, mediarecoder.WithStartQuality(f.quality))
	}
	return opts
}

type recodeFunc func(ctx context.Context, src []byte, w, h, limit int, opts ...mediarecoder.Option) (*recode.Result, error)

func (a *app) singleCmd(use, short string, withQuality bool, pick func() recodeFunc) *cobra.Command {
	var f limitFlags
	cmd := &cobra.Command{
		Use:   use + " IN OUT",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := pick()(cmd.Context(), src, f.width, f.height, f.maxBytes, f.options()...)
			if res != nil && len(res.Data) > 0 {
				if werr := os.WriteFile(args[1], res.Data, os.FileMode(a.cfg.Storage.Permissions)); werr != nil {
					return werr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d bytes, %dx%d, %d attempts%s\n",
					args[1], len(src), len(res.Data), res.Width, res.Height, len(res.Attempts), resultNote(res))
			}
			return err
		},
	}
	f.register(cmd, withQuality)
	return cmd
}

func (a *app) imageCmd() *cobra.Command {
	return a.singleCmd("image", "Re-encode a still image as JPEG within a byte budget", true,
		func() recodeFunc { return a.rec.RecodeStaticDetailed })
}

func (a *app) gifCmd() *cobra.Command {
	return a.singleCmd("gif", "Shrink an animated GIF until it fits a byte budget", false,
		func() recodeFunc { return a.rec.RecodeAnimatedDetailed })
}

func resultNote(res *recode.Result) string {
	switch {
	case res.Unchanged:
		return " (unchanged)"
	case res.BestEffort:
		return " (best effort)"
	}
	return ""
}

func (a *app) read(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return a.rec.ReadSource(ctx, mediarecoder.FromReaderWithMeta(f, -1, "", filepath.Base(path)))
}

// ── batch ─────────────────────────────────────────────────────────────────────

// sidecar is the JSON written next to every batch output.
type sidecar struct {
	Source         string `json:"source"`
	MIME           string `json:"mime"`
	OriginalBytes  int    `json:"original_bytes"`
	Bytes          int    `json:"bytes"`
	AllocatedBytes int64  `json:"allocated_bytes"`
	IsImage        bool   `json:"is_image"`
	Recoded        bool   `json:"recoded"`
	BestEffort     bool   `json:"best_effort"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

func (a *app) batchCmd() *cobra.Command {
	var (
		budget int64
		width  int
		height int
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "batch FILES...",
		Short: "Fit several attachments into one envelope budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			atts := make([]allocate.Attachment, 0, len(args))
			for _, p := range args {
				data, err := a.read(ctx, p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				atts = append(atts, allocate.Attachment{Name: filepath.Base(p), Data: data})
			}

			dir := outDir
			if dir == "" {
				dir = a.cfg.Storage.RootDir
			}
			if dir == "" {
				return errors.New("--out-dir is required")
			}
			store, err := storage.NewLocal(dir, os.FileMode(a.cfg.Storage.Permissions))
			if err != nil {
				return err
			}

			batch, batchErr := a.rec.AllocateAndRecompress(ctx, budget, atts, width, height)
			if batch == nil {
				return batchErr
			}
			for _, o := range batch.Outcomes {
				meta := sidecar{
					Source:         o.Name,
					MIME:           o.MIME,
					OriginalBytes:  o.OriginalBytes,
					Bytes:          len(o.Data),
					AllocatedBytes: o.Plan.AllocatedBytes,
					IsImage:        o.Plan.IsImage,
					Recoded:        o.Recoded,
					BestEffort:     o.BestEffort,
					Attempts:       o.Attempts,
				}
				if o.Err != nil {
					meta.Error = o.Err.Error()
				}
				name := outputName(o)
				if err := store.Put(ctx, name, bytes.NewReader(o.Data), meta); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d -> %d bytes (allocated %d)%s\n",
					name, o.OriginalBytes, len(o.Data), o.Plan.AllocatedBytes, errNote(o.Err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "envelope: %d of %d bytes, %d failed\n",
				batch.Size(), batch.Total, len(batch.Failed()))
			return batchErr
		},
	}
	cmd.Flags().Int64Var(&budget, "budget", 0, "total envelope byte budget (required)")
	cmd.Flags().IntVar(&width, "width", 0, "maximum image width (0 = unconstrained)")
	cmd.Flags().IntVar(&height, "height", 0, "maximum image height (0 = unconstrained)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "output directory (default: storage.rootdir)")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

// outputName swaps the extension of recoded images to match their MIME type.
func outputName(o allocate.Outcome) string {
	if !o.Recoded {
		return o.Name
	}
	base := strings.TrimSuffix(o.Name, filepath.Ext(o.Name))
	switch o.MIME {
	case "image/jpeg":
		return base + ".jpg"
	case "image/gif":
		return base + ".gif"
	}
	return o.Name
}

func errNote(err error) string {
	if err == nil {
		return ""
	}
	return " [" + err.Error() + "]"
}

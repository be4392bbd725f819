package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/samcharles93/tpconvert/internal/checkpoint"
	"github.com/samcharles93/tpconvert/internal/hfconfig"
	"github.com/samcharles93/tpconvert/internal/logger"
	"github.com/samcharles93/tpconvert/internal/tensor"
)

// Options are the explicit inputs of a conversion run.
type Options struct {
	InputPath  string
	OutputDir  string
	ConfigPath string // defaults to config.json next to the checkpoint

	Workers        int
	TensorParallel int
	Precision      tensor.Precision

	Progress       bool
	ProgressWriter io.Writer // defaults to stderr

	ReportPath  string
	MetricsPath string
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.TensorParallel <= 0 {
		o.TensorParallel = 1
	}
	if o.ProgressWriter == nil {
		o.ProgressWriter = os.Stderr
	}
	return o
}

// Convert opens the checkpoint and its config.json, then runs the conversion.
// A missing or unreadable config.json only breaks the manifest and the fused
// attention split; every other tensor is still written.
func Convert(ctx context.Context, opts Options) (*Report, error) {
	log := logger.FromContext(ctx)

	ckpt, err := checkpoint.Open(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = ckpt.Close() }()

	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = checkpoint.ConfigPath(opts.InputPath)
	}
	cfg, err := hfconfig.Load(cfgPath)
	if err != nil {
		log.Warn("model config unavailable", "path", cfgPath, "error", err)
		cfg = nil
	} else if cfg.NameOrPath == "" {
		// transformers records the load path when config.json has no name
		cfg.NameOrPath = opts.InputPath
	}
	return Run(ctx, ckpt, cfg, opts)
}

// Run converts every parameter of ckpt into opts.OutputDir. Planning errors
// abort before any tensor is written; task errors are collected and returned
// joined once all tasks have finished.
func Run(ctx context.Context, ckpt checkpoint.Checkpoint, cfg *hfconfig.Config, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	if opts.OutputDir == "" {
		return nil, errors.New("convert: output directory is required")
	}
	started := time.Now()
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With("run", runID)
	ctx = logger.WithContext(ctx, log)

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("convert: create output dir: %w", err)
	}

	report := newReport(runID, opts, string(ckpt.Format()), started)
	metrics := NewMetrics(runID)

	md, err := EmitManifest(opts.OutputDir, cfg, opts.Precision)
	metrics.ObserveManifest(err)
	if err != nil {
		log.Error("manifest not written; continuing with tensors", "error", err)
		report.Manifest.Error = err.Error()
	} else {
		log.Info("manifest written", "path", report.Manifest.Path, "layers", md.Layers, "heads", md.Heads, "kv_heads", md.KVHeads)
	}

	plan, err := BuildPlan(ckpt.Names(), ckpt.Shape, opts.TensorParallel)
	if err != nil {
		return report, err
	}
	report.Skipped = plan.Skipped
	for _, name := range plan.Skipped {
		log.Debug("skipping derived buffer", "name", name)
	}

	var heads Heads
	heads.Attention, heads.KV, err = cfg.Heads()
	headsErr := err

	writer := NewWriter(opts.OutputDir, opts.Precision)
	tasks := make([]Task, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		tasks = append(tasks, Task{
			Name: e.Canonical,
			Run: func(ctx context.Context) ([]ShardFile, error) {
				if e.Spec.HeadAware && headsErr != nil {
					return nil, fmt.Errorf("head-aware split needs head counts: %w", headsErr)
				}
				return convertEntry(ctx, ckpt, writer, e, heads)
			},
		})
	}

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(len(tasks),
			progressbar.OptionSetWriter(opts.ProgressWriter),
			progressbar.OptionSetDescription("converting"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(opts.ProgressWriter) }),
		)
	} else {
		bar = progressbar.DefaultSilent(int64(len(tasks)))
	}

	pool := NewPool(opts.Workers)
	pool.OnDone = func(r TaskResult) {
		metrics.Observe(r)
		_ = bar.Add(1)
		if r.Err != nil {
			log.Error("task failed", "tensor", r.Name, "error", r.Err)
			return
		}
		log.Debug("task done", "tensor", r.Name, "shards", len(r.Shards), "elapsed", r.Elapsed)
	}

	log.Info("converting", "tensors", len(tasks), "workers", pool.Size(), "tensor_parallel", opts.TensorParallel, "precision", opts.Precision.String())
	results, runErr := pool.Run(ctx, tasks)
	_ = bar.Finish()

	report.addResults(results)
	report.Elapsed = time.Since(started).Round(time.Millisecond).String()

	if opts.ReportPath != "" {
		if err := report.WriteFile(opts.ReportPath); err != nil {
			log.Warn("report not written", "path", opts.ReportPath, "error", err)
		}
	}
	if opts.MetricsPath != "" {
		if err := metrics.WriteTextfile(opts.MetricsPath); err != nil {
			log.Warn("metrics not written", "path", opts.MetricsPath, "error", err)
		}
	}

	log.Info("conversion finished", "shards", len(report.Shards), "bytes", report.TotalBytes(), "failures", len(report.Failures))
	return report, runErr
}

// convertEntry prepares one tensor, splits it and writes its shards. The
// split is complete before the first write, so a rejected split leaves no
// files behind.
func convertEntry(ctx context.Context, l Loader, w *Writer, e PlanEntry, heads Heads) ([]ShardFile, error) {
	t, err := e.Prepare(l)
	if err != nil {
		return nil, err
	}

	var shards []Shard
	switch e.Route {
	case RouteWhole:
		shards = []Shard{{Canonical: e.Canonical, Index: -1, Tensor: t}}
	case RouteShard:
		if shards, err = Split(e.Spec, e.Canonical, t, 0, heads); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unexpected route %s", e.Route)
	}

	files := make([]ShardFile, 0, len(shards))
	for _, s := range shards {
		sf, err := w.Write(s)
		if err != nil {
			return files, err
		}
		files = append(files, sf)
	}
	logger.FromContext(ctx).Debug("tensor written", "tensor", e.Canonical, "route", e.Route.String(), "files", len(files))
	return files, nil
}

package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/tpconvert/internal/version"
)

// Report summarises one run. It is written as YAML when requested.
type Report struct {
	RunID          string          `yaml:"run_id"`
	Version        string          `yaml:"version"`
	Input          string          `yaml:"input"`
	Format         string          `yaml:"format"`
	Output         string          `yaml:"output"`
	Precision      string          `yaml:"weight_data_type"`
	TensorParallel int             `yaml:"tensor_parallel"`
	Workers        int             `yaml:"workers"`
	Started        time.Time       `yaml:"started"`
	Elapsed        string          `yaml:"elapsed"`
	Manifest       ManifestStatus  `yaml:"manifest"`
	Tasks          int             `yaml:"tasks"`
	Skipped        []string        `yaml:"skipped,omitempty"`
	Shards         []ReportShard   `yaml:"shards"`
	Failures       []ReportFailure `yaml:"failures,omitempty"`
}

type ManifestStatus struct {
	Path  string `yaml:"path"`
	Error string `yaml:"error,omitempty"`
}

type ReportShard struct {
	Tensor string `yaml:"tensor"`
	Index  int    `yaml:"index"`
	File   string `yaml:"file"`
	Bytes  int64  `yaml:"bytes"`
	XXH64  string `yaml:"xxh64"`
}

type ReportFailure struct {
	Task  string `yaml:"task"`
	Error string `yaml:"error"`
}

func newReport(runID string, opts Options, format string, started time.Time) *Report {
	return &Report{
		RunID:          runID,
		Version:        version.String(),
		Input:          opts.InputPath,
		Format:         format,
		Output:         opts.OutputDir,
		Precision:      opts.Precision.String(),
		TensorParallel: opts.TensorParallel,
		Workers:        opts.Workers,
		Started:        started.UTC(),
		Manifest:       ManifestStatus{Path: filepath.Join(opts.OutputDir, ManifestFile)},
	}
}

// addResults folds task outcomes into the report, sorted by file name.
func (r *Report) addResults(results []TaskResult) {
	r.Tasks = len(results)
	for _, res := range results {
		if res.Err != nil {
			r.Failures = append(r.Failures, ReportFailure{Task: res.Name, Error: res.Err.Error()})
		}
		for _, s := range res.Shards {
			r.Shards = append(r.Shards, ReportShard{
				Tensor: s.Canonical,
				Index:  s.Index,
				File:   filepath.Base(s.Path),
				Bytes:  s.Bytes,
				XXH64:  fmt.Sprintf("%016x", s.Digest),
			})
		}
	}
	sort.Slice(r.Shards, func(i, j int) bool { return r.Shards[i].File < r.Shards[j].File })
}

// TotalBytes sums the size of all written shards.
func (r *Report) TotalBytes() int64 {
	var n int64
	for _, s := range r.Shards {
		n += s.Bytes
	}
	return n
}

// WriteFile encodes the report as YAML to path.
func (r *Report) WriteFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("convert: write report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("convert: write report: %w", err)
	}
	return enc.Close()
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tpconvert/internal/convert"
	"github.com/samcharles93/tpconvert/internal/logger"
	"github.com/samcharles93/tpconvert/internal/tensor"
)

func convertCmd() *cli.Command {
	var (
		savedDir       string
		inFile         string
		processes      int
		weightDataType string
		tensorParallel int
		configJSON     string
		reportPath     string
		metricsPath    string
		noProgress     bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "saved-dir",
			Aliases:     []string{"saved_dir", "o"},
			Usage:       "output directory for config.ini and shard files",
			Destination: &savedDir,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "in-file",
			Aliases:     []string{"in_file", "i"},
			Usage:       "input checkpoint file or directory",
			Destination: &inFile,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "processes",
			Aliases:     []string{"p"},
			Usage:       "number of conversion workers",
			Value:       convert.DefaultWorkers,
			Destination: &processes,
		},
		&cli.StringFlag{
			Name:        "weight-data-type",
			Aliases:     []string{"weight_data_type", "d"},
			Usage:       "output precision (fp32, fp16)",
			Value:       "fp16",
			Destination: &weightDataType,
		},
		&cli.IntFlag{
			Name:        "tensor-parallel",
			Aliases:     []string{"tensor_parallel", "t"},
			Usage:       "tensor parallel factor",
			Value:       1,
			Destination: &tensorParallel,
		},
		&cli.StringFlag{
			Name:        "config-json",
			Usage:       "explicit path to hf config.json",
			Destination: &configJSON,
		},
		&cli.StringFlag{
			Name:        "report",
			Usage:       "write a YAML run report to this path",
			Destination: &reportPath,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write prometheus textfile metrics to this path",
			Destination: &metricsPath,
		},
		&cli.BoolFlag{
			Name:        "no-progress",
			Usage:       "disable the progress bar",
			Destination: &noProgress,
		},
	}

	return &cli.Command{
		Name:  "convert",
		Usage: "Convert a checkpoint into tensor-parallel shard files",
		Flags: append(flags, loggingFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyConvertConfig(c, cfg, &processes, &weightDataType, &tensorParallel, &noProgress)

			ctx, err := setupLogging(ctx, c, cfg, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			precision, err := tensor.ParsePrecision(weightDataType)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if processes <= 0 {
				return cli.Exit("error: --processes must be positive", 1)
			}
			if tensorParallel <= 0 {
				return cli.Exit("error: --tensor-parallel must be positive", 1)
			}

			printArguments(os.Stdout, [][2]string{
				{"saved_dir", savedDir},
				{"in_file", inFile},
				{"processes", strconv.Itoa(processes)},
				{"weight_data_type", precision.String()},
				{"tensor_parallel", strconv.Itoa(tensorParallel)},
			})

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			_, err = convert.Convert(ctx, convert.Options{
				InputPath:      inFile,
				OutputDir:      savedDir,
				ConfigPath:     configJSON,
				Workers:        processes,
				TensorParallel: tensorParallel,
				Precision:      precision,
				Progress:       !noProgress,
				ProgressWriter: os.Stderr,
				ReportPath:     reportPath,
				MetricsPath:    metricsPath,
			})
			fmt.Printf("Spent %s converting the model\n", formatElapsed(time.Since(start)))
			if err != nil {
				logger.FromContext(ctx).Error("conversion failed", "error", err)
				return cli.Exit("error: conversion failed; output in "+savedDir+" is incomplete", 1)
			}
			return nil
		},
	}
}

func printArguments(w io.Writer, args [][2]string) {
	_, _ = fmt.Fprintln(w, "\n=============== Argument ===============")
	for _, kv := range args {
		_, _ = fmt.Fprintf(w, "%s: %s\n", kv[0], kv[1])
	}
	_, _ = fmt.Fprintln(w, "========================================")
}

// formatElapsed renders d as h:mm:ss.mmm.
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}

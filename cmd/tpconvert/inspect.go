package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tpconvert/internal/checkpoint"
	"github.com/samcharles93/tpconvert/internal/convert"
	"github.com/samcharles93/tpconvert/internal/logger"
)

func inspectCmd() *cli.Command {
	var (
		inFile         string
		tensorParallel int
		filter         string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the conversion plan for a checkpoint without writing anything",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "in-file",
				Aliases:     []string{"in_file", "i"},
				Usage:       "input checkpoint file or directory",
				Destination: &inFile,
				Required:    true,
			},
			&cli.IntFlag{
				Name:        "tensor-parallel",
				Aliases:     []string{"tensor_parallel", "t"},
				Usage:       "tensor parallel factor",
				Value:       1,
				Destination: &tensorParallel,
			},
			&cli.StringFlag{Name: "filter", Usage: "substring filter on source or canonical names", Destination: &filter},
		}, loggingFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := setupLogging(ctx, c, LoadConfig(), os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log := logger.FromContext(ctx)

			ckpt, err := checkpoint.Open(inFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}
			defer func() { _ = ckpt.Close() }()

			log.Debug("checkpoint opened", "path", inFile, "format", string(ckpt.Format()), "tensors", len(ckpt.Names()))

			plan, err := convert.BuildPlan(ckpt.Names(), ckpt.Shape, tensorParallel)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: plan: %v", err), 1)
			}
			for _, name := range plan.Skipped {
				log.Debug("skipping derived buffer", "name", name)
			}
			fmt.Printf("checkpoint: %s (%s)\n", inFile, ckpt.Format())
			printPlan(os.Stdout, plan, filter)
			return nil
		},
	}
}

func printPlan(w io.Writer, plan *convert.Plan, filter string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SOURCE\tCANONICAL\tROUTE\tSHARDING\tSHAPE")
	shown := 0
	for _, e := range plan.Entries {
		src := strings.Join(e.Sources, ",")
		if filter != "" && !strings.Contains(src, filter) && !strings.Contains(e.Canonical, filter) {
			continue
		}
		sharding := "-"
		if e.Route == convert.RouteShard {
			sharding = fmt.Sprintf("%s/%s x%d", e.Spec.Kind, e.Spec.Axis, e.Spec.Factor)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", src, e.Canonical, e.Route, sharding, e.Shape)
		shown++
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "%d tensors", shown)
	if len(plan.Skipped) > 0 {
		_, _ = fmt.Fprintf(w, ", %d skipped: %s", len(plan.Skipped), strings.Join(plan.Skipped, ", "))
	}
	_, _ = fmt.Fprintln(w)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/export"
	"github.com/samcharles93/ptq/pkg/qcf"
)

func inspectCmd() *cli.Command {
	var records bool
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a .qcf container",
		ArgsUsage: "<file.qcf>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "records",
				Usage:       "list every quantization record",
				Value:       true,
				Destination: &records,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("%w: missing .qcf path", errUsage)
			}
			return runInspect(os.Stdout, path, records)
		},
	}
}

func runInspect(w io.Writer, path string, records bool) error {
	f, err := qcf.Open(path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "file:     %s\n", path)
	_, _ = fmt.Fprintf(w, "format:   %d.%d\n", f.Header.Major, f.Header.Minor)
	_, _ = fmt.Fprintf(w, "size:     %d bytes\n", f.Header.FileSize)
	_, _ = fmt.Fprintf(w, "flags:    %s\n", flagNames(f.Header.Flags))
	for _, s := range f.Sections {
		_, _ = fmt.Fprintf(w, "section:  %-12s v%d offset=%d size=%d\n", qcf.SectionType(s.Type), s.Version, s.Offset, s.Size)
	}
	if err := f.Close(); err != nil {
		return err
	}

	m, err := export.Load(path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "graph:    %s (%d nodes)\n", m.Graph.Name, len(m.Graph.Nodes))
	if m.Metadata != nil {
		_, _ = fmt.Fprintf(w, "run:      %s (%s %s, tpc %s)\n", m.Metadata.RunID, m.Metadata.Tool, m.Metadata.Version, m.Metadata.TPCName)
	}

	tbl := tablewriter.NewWriter(w)
	tbl.Header("Node", "Kind", "Inputs", "Shape", "Fused")
	for _, n := range m.Graph.Nodes {
		tbl.Append([]string{n.Name, n.Kind, strings.Join(n.Inputs, ","), shapeString(n.OutputShape), n.FusedGroup})
	}
	_ = tbl.Render()

	if !records {
		return nil
	}
	tbl = tablewriter.NewWriter(w)
	tbl.Header("Node", "Attr", "Domain", "Method", "Bits", "Codes", "Per-channel", "Clip")
	for _, r := range m.Records {
		codes := "-"
		if r.Domain == qcf.DomainWeights {
			codes = r.CodeDType.String()
		}
		tbl.Append([]string{
			r.Node, r.Attr, r.Domain.String(), r.Method.String(), strconv.Itoa(int(r.NBits)),
			codes, strconv.FormatBool(r.PerChannel()),
			fmt.Sprintf("[%.4g, %.4g]", r.MinClip, r.MaxClip),
		})
	}
	_ = tbl.Render()
	return nil
}

func flagNames(flags uint64) string {
	var names []string
	if flags&qcf.FlagTensorDataAligned64 != 0 {
		names = append(names, "aligned64")
	}
	if flags&qcf.FlagHasMetadata != 0 {
		names = append(names, "metadata")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

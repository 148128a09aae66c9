package main

import (
	"bufio"
	"fmt"
	"runtime"
	"sort"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vdeturckheim/hf-dataset/pkg/dataset"
	"github.com/vdeturckheim/hf-dataset/pkg/metrics"
	"github.com/vdeturckheim/hf-dataset/pkg/models"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.out, "hfdataset v%s\n", version)
			fmt.Fprintf(a.out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(a.out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func (a *app) filesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "files <dataset> [path...]",
		Short: "List the supported files of a dataset in iteration order",
		Long: `List the supported files of a dataset in iteration order. When paths are
given, only those files are shown and an unknown or unsupported path is an
error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			var files []dataset.FileEntry
			if len(args) > 1 {
				for _, p := range args[1:] {
					f, err := s.File(p)
					if err != nil {
						return err
					}
					files = append(files, f)
				}
			} else if files, err = s.ListFiles(); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				for _, f := range files {
					if err := enc.Encode(f); err != nil {
						return err
					}
				}
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tTYPE\tCONTAINER\tCOMPRESSION")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Path, f.Type, f.Container, f.Compression)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per file")
	return cmd
}

// recordLine is the --metadata output shape of cat.
type recordLine struct {
	Data     map[string]interface{} `json:"data"`
	Metadata models.RecordMetadata  `json:"metadata"`
}

func (a *app) catCmd() *cobra.Command {
	var limit int
	var withMetadata bool
	cmd := &cobra.Command{
		Use:   "cat <dataset>",
		Short: "Stream records as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			seq, err := s.Iterate(cmd.Context())
			if err != nil {
				return err
			}

			bw := bufio.NewWriter(a.out)
			defer bw.Flush()
			enc := json.NewEncoder(bw)

			n := 0
			for rec, err := range seq {
				if err != nil {
					return err
				}
				var v interface{} = rec.Data
				if withMetadata {
					v = recordLine{Data: rec.Data, Metadata: rec.Metadata}
				}
				if err := enc.Encode(v); err != nil {
					return err
				}
				n++
				if limit > 0 && n >= limit {
					break
				}
			}
			return bw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many records (0 = all)")
	cmd.Flags().BoolVar(&withMetadata, "metadata", false, "Wrap each record with its source metadata")
	return cmd
}

func (a *app) countCmd() *cobra.Command {
	var perFile bool
	cmd := &cobra.Command{
		Use:   "count <dataset>",
		Short: "Count the records of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			seq, err := s.Iterate(cmd.Context())
			if err != nil {
				return err
			}

			tracker := metrics.NewThroughputTracker(s.Handle().Name)
			bySource := make(map[string]int64)
			for rec, err := range seq {
				if err != nil {
					return err
				}
				tracker.Increment(1)
				bySource[rec.Metadata.Source]++
			}

			a.log.Info("count finished",
				zap.Int64("records", tracker.Total()),
				zap.Float64("records_per_second", tracker.GetAndReset()))

			if perFile {
				sources := make([]string, 0, len(bySource))
				for src := range bySource {
					sources = append(sources, src)
				}
				sort.Strings(sources)
				w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				for _, src := range sources {
					fmt.Fprintf(w, "%s\t%d\n", src, bySource[src])
				}
				fmt.Fprintf(w, "total\t%d\n", tracker.Total())
				return w.Flush()
			}
			fmt.Fprintln(a.out, tracker.Total())
			return nil
		},
	}
	cmd.Flags().BoolVar(&perFile, "per-file", false, "Print a count for every file")
	return cmd
}

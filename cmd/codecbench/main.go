// Command codecbench compresses sample log files in place with every codec
// logupload supports, so an operator can pick --codec and size the
// compression slack for their logs.
//
// Usage:
//
//	codecbench [--max-log-size N] [--slack N] <file|dir|glob>...
//
// Globs support ** (e.g. "samples/**/*.log").
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"logupload/internal/arena"
	"logupload/internal/codec"
)

// result is one codec's outcome on one file.
type result struct {
	path    string
	codec   string
	in, out int
	elapsed time.Duration
	err     error
}

func main() {
	var maxLogSize, slack int
	cmd := &cobra.Command{
		Use:          "codecbench <file-or-dir>...",
		Short:        "Compare in-place compression codecs on sample logs",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collect(args)
			if err != nil {
				return err
			}
			a, err := arena.New(maxLogSize, slack)
			if err != nil {
				return err
			}
			var results []result
			for _, path := range files {
				rs, err := benchFile(a, path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				results = append(results, rs...)
			}
			return report(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVar(&maxLogSize, "max-log-size", arena.DefaultMaxPayload, "bytes read from each file")
	cmd.Flags().IntVar(&slack, "slack", arena.DefaultSlack, "compression slack after the payload")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// collect expands glob patterns (** included) and directories into the
// regular files they name.
func collect(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%s: no such file", pattern)
		}
		for _, m := range matches {
			err := filepath.WalkDir(m, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.Type().IsRegular() {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walk: %w", err)
			}
		}
	}
	return files, nil
}

// benchFile reloads the file into the arena before each codec, since
// compression overwrites the payload.
func benchFile(a *arena.Arena, path string) ([]result, error) {
	var results []result
	for _, name := range codec.Names() {
		n, err := load(a, path)
		if err != nil {
			return nil, err
		}
		c, err := codec.Lookup(name)
		if err != nil {
			return nil, err
		}
		view := arena.View{Start: 0, Len: n}
		start := time.Now()
		m, err := codec.CompressInPlace(c, a.Tail(view), view.Len)
		results = append(results, result{
			path:    path,
			codec:   name,
			in:      n,
			out:     m,
			elapsed: time.Since(start),
			err:     err,
		})
	}
	return results, nil
}

// load reads at most MaxPayload bytes of path into the arena.
func load(a *arena.Arena, path string) (int, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n, err := io.ReadFull(f, a.Payload())
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, err
	}
	return n, nil
}

func report(w io.Writer, results []result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tCODEC\tIN\tOUT\tRATIO\tTIME")
	for _, r := range results {
		if r.err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%d\t-\t-\t%s\n", r.path, r.codec, r.in, r.err)
			continue
		}
		ratio := 0.0
		if r.in > 0 {
			ratio = float64(r.out) / float64(r.in)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.3f\t%s\n", r.path, r.codec, r.in, r.out, ratio, r.elapsed.Round(time.Microsecond))
	}
	return tw.Flush()
}

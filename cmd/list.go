package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/container"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
)

type ListOptions struct {
	Dir          string
	OutputFormat string
}

// RecordingEntry is one row of the list output.
type RecordingEntry struct {
	Name     string    `json:"name"`
	Format   string    `json:"format"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

func NewListCommand() *cobra.Command {
	opts := &ListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recordings in the output directory",
		Example: `  gbox-recorder list
  gbox-recorder list --dir ./clips --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Dir == "" {
				opts.Dir = config.GetOutputDir()
			}
			return runList(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Dir, "dir", "", "Directory to scan (defaults to the configured output directory)")
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func scanRecordings(dir string) ([]RecordingEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", dir)
	}

	var recordings []RecordingEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != container.Extension(container.FormatMP4) && ext != container.Extension(container.FormatMKV) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		entry := RecordingEntry{
			Name:     e.Name(),
			Format:   container.ForPath(e.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		if m, err := readManifest(manifestPath(filepath.Join(dir, e.Name()))); err == nil {
			entry.Manifest = m
		}
		recordings = append(recordings, entry)
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].Modified.After(recordings[j].Modified)
	})
	return recordings, nil
}

func runList(out io.Writer, opts *ListOptions) error {
	recordings, err := scanRecordings(opts.Dir)
	if err != nil {
		return err
	}

	if opts.OutputFormat == "json" {
		if recordings == nil {
			recordings = []RecordingEntry{}
		}
		bytes, _ := json.MarshalIndent(map[string]interface{}{"data": recordings}, "", "  ")
		fmt.Fprintln(out, string(bytes))
		return nil
	}

	table := util.Table{
		Columns: []util.TableColumn{
			{Header: "NAME", Key: "name"},
			{Header: "FORMAT", Key: "format"},
			{Header: "SIZE", Key: "size", Right: true},
			{Header: "MODIFIED", Key: "modified"},
			{Header: "SAMPLES", Key: "samples", Right: true},
			{Header: "NOTE", Key: "note"},
		},
		Empty: "No recordings found",
	}
	data := make([]map[string]interface{}, 0, len(recordings))
	for _, r := range recordings {
		row := map[string]interface{}{
			"name":     r.Name,
			"format":   r.Format,
			"size":     humanSize(r.Size),
			"modified": r.Modified.Format("2006-01-02 15:04:05"),
			"samples":  "-",
		}
		if m := r.Manifest; m != nil {
			samples := fmt.Sprintf("%d", m.Video.Samples)
			if m.Audio != nil {
				samples += fmt.Sprintf("/%d", m.Audio.Samples)
			}
			row["samples"] = samples
			if m.FormatChanged {
				row["note"] = color.New(color.FgYellow).Sprint("format changed")
			}
		}
		data = append(data, row)
	}
	table.Fprint(out, data)
	return nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/leeineian/earworm/preview"
	"github.com/leeineian/earworm/sys"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const progressTemplate = `{{ string . "prefix" }} {{ bar . }} {{ counters . }} | {{ string . "found" }} | ETA {{ rtime . "%s" }}`

func newPreloadCommand(f *rootFlags) *cobra.Command {
	var out string
	var noBar bool

	cmd := &cobra.Command{
		Use:   "preload <items.json|->",
		Short: "Attach previews to a JSON array of game items.",
		Long: "Reads items shaped like {\"type\":\"song\",\"artistName\":\"Queen\",\"answer\":\"Bohemian Rhapsody\"} " +
			"and writes them back with previewUrl and preview filled in.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(cmd, args[0])
			if err != nil {
				return err
			}

			svc, err := openService(cmd, f)
			if err != nil {
				return err
			}
			defer svc.Close()

			var onProgress func(preview.Progress)
			if !noBar && isatty.IsTerminal(os.Stderr.Fd()) {
				bar := pb.New(len(items))
				bar.SetTemplateString(progressTemplate)
				bar.SetWriter(os.Stderr)
				bar.Set("prefix", "Preloading")
				bar.Set("found", "0 found")
				bar.Start()
				defer bar.Finish()
				onProgress = func(p preview.Progress) {
					bar.SetCurrent(int64(p.Processed))
					bar.Set("found", fmt.Sprintf("%d found", p.WithPreview))
				}
			}

			result, err := svc.Preload(cmd.Context(), items, onProgress)
			if err != nil {
				return err
			}

			if out == "" {
				return printJSON(cmd.OutOrStdout(), result)
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			if err := sys.WriteFileAtomic(out, data); err != nil {
				return err
			}
			sys.LogInfo(sys.MsgCLIPreloadSaved, len(result), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the result to this file instead of stdout")
	cmd.Flags().BoolVar(&noBar, "no-progress", false, "Hide the progress bar")
	return cmd
}

func readItems(cmd *cobra.Command, path string) ([]preview.Item, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		r = file
	}
	var items []preview.Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("read items from %s: %w", path, err)
	}
	return items, nil
}

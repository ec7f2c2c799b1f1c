package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/engine"
	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var (
	encodeOutput string
	encodePush   bool
)

var encodeCmd = &cobra.Command{
	Use:   "encode <faces_dir>",
	Short: "Build the gallery from a directory with one subdirectory per person",
	Long: `Scans <faces_dir>/<name>/*.{jpg,jpeg,png}, encodes the first face of every
image and writes the gallery file. Images without a face are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEncode(cmd.Context(), args[0])
	},
}

func init() {
	encodeCmd.Flags().StringVarP(&encodeOutput, "output", "o", "", "Gallery file to write (default: --gallery)")
	encodeCmd.Flags().BoolVar(&encodePush, "push", false, "Also store the gallery in the database")
	rootCmd.AddCommand(encodeCmd)
}

func runEncode(ctx context.Context, root string) error {
	out := encodeOutput
	if out == "" {
		out = Cfg.Gallery
	}

	samples, err := gallery.Samples(root)
	if err != nil {
		utils.ShowError("Failed to read faces directory", err, nil)
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintf(os.Stderr, "⚠️  No .jpg, .jpeg or .png images under %s/<name>/\n", root)
		return saveEncoded(ctx, os.Stderr, out, gallery.New(nil), &gallery.Report{})
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", Cfg.Engine.Workers)
	engines, err := engine.OpenPool(Cfg.EngineOptions(), Cfg.Engine.Workers)
	if err != nil {
		utils.ShowError("Engine startup failed", err, nil)
		return err
	}
	defer engine.ClosePool(engines)

	bar := progressbar.NewOptions(len(samples),
		progressbar.OptionSetDescription("🧬 Encoding faces"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	finders := make([]gallery.Finder, len(engines))
	for i, e := range engines {
		finders[i] = e
	}
	b := &gallery.Builder{
		Finders:    finders,
		OnProgress: func(gallery.Sample, error) { bar.Add(1) },
	}

	g, report, err := b.Build(ctx, root)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		utils.ShowError("Encoding aborted", err, engineLogs(engines[0]))
		return err
	}

	return saveEncoded(ctx, os.Stderr, out, g, report)
}

// saveEncoded writes g to out even when it is empty, so people removed from
// the corpus stop matching.
func saveEncoded(ctx context.Context, w io.Writer, out string, g *gallery.Gallery, report *gallery.Report) error {
	printReport(w, report)
	if g.Len() == 0 {
		fmt.Fprintf(w, "⚠️  No faces were encoded, writing an empty gallery to %s\n", out)
	}

	if err := gallery.Save(out, g); err != nil {
		utils.ShowError("Failed to write gallery", err, nil)
		return err
	}
	names, _ := g.Identities()
	fmt.Printf("✅ Encoded %d faces of %d people into %s\n", g.Len(), len(names), out)

	if !encodePush {
		return nil
	}
	if g.Len() == 0 {
		fmt.Fprintln(w, "⚠️  Skipping database push of an empty gallery")
		return nil
	}
	return pushGallery(ctx, g)
}

func printReport(w io.Writer, r *gallery.Report) {
	fmt.Fprintf(w, "📊 %d images scanned, %d encoded\n", r.Scanned, r.Encoded)
	for _, p := range r.NoFace {
		fmt.Fprintf(w, "   ⚠️  no face: %s\n", p)
	}
	for _, f := range r.Failed {
		fmt.Fprintf(w, "   ❌ failed: %s: %v\n", f.Path, f.Err)
	}
}

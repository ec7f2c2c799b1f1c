package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/engine"
	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/match"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var findInDB bool

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the face in a still image against the gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().BoolVar(&findInDB, "db", false, "Search the database mirror (nearest neighbour) instead of the gallery file")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	imgData, err := gallery.ReadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker
	eng, err := engine.Open(Cfg.EngineOptions(), 0)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer eng.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := eng.Find(ctx, imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, engineLogs(eng))
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
	}
	probe := largestFace(faces)

	if findInDB {
		return findInDatabase(ctx, probe.Vec)
	}

	g, err := gallery.Load(Cfg.Gallery)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, nil)
		return err
	}
	m, err := match.New(Cfg.Strategy, g, Cfg.Tolerance, match.Metric(Cfg.Metric))
	if err != nil {
		return err
	}
	res, err := m.Match(probe.Vec)
	if err != nil {
		utils.ShowError("Matching failed", err, nil)
		return err
	}
	if !res.Matched() {
		fmt.Println("❌ No match found in gallery.")
		return nil
	}
	fmt.Printf("✅ Found Match: %s (entry %d, distance %.3f)\n", res.Label, res.Index, res.Distance)
	return nil
}

func findInDatabase(ctx context.Context, vec types.Embedding) error {
	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	hit, ok, err := db.FindClosest(ctx, vec, Cfg.Tolerance)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}
	if !ok {
		fmt.Println("❌ No match found in database.")
		return nil
	}
	fmt.Printf("✅ Found Match: %s (entry %d, distance %.3f)\n", hit.Label, hit.Position, hit.Distance)
	return nil
}

// largestFace picks the face with the biggest box; ties keep the earlier face.
func largestFace(faces []types.Face) types.Face {
	best := faces[0]
	maxArea := best.Box.Area()
	for _, f := range faces[1:] {
		if area := f.Box.Area(); area > maxArea {
			maxArea = area
			best = f
		}
	}
	return best
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Copy the gallery between the local file and the database",
}

var galleryPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Store the local gallery file in the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		g, err := gallery.Load(Cfg.Gallery)
		if err != nil {
			utils.ShowError("Failed to load gallery", err, nil)
			return err
		}
		return pushGallery(cmd.Context(), g)
	},
}

var galleryPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Write the database gallery to the local gallery file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		g, err := db.LoadGallery(ctx)
		if err != nil {
			utils.ShowError("Failed to read gallery from database", err, nil)
			return err
		}
		if err := gallery.Save(Cfg.Gallery, g); err != nil {
			utils.ShowError("Failed to write gallery", err, nil)
			return err
		}
		fmt.Printf("✅ Pulled %d entries into %s\n", g.Len(), Cfg.Gallery)
		return nil
	},
}

func init() {
	galleryCmd.AddCommand(galleryPushCmd, galleryPullCmd)
	rootCmd.AddCommand(galleryCmd)
}

func pushGallery(ctx context.Context, g *gallery.Gallery) error {
	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	fmt.Fprintln(os.Stderr, "🗄️  Storing gallery in database...")
	if err := db.SaveGallery(ctx, g); err != nil {
		utils.ShowError("Failed to store gallery", err, nil)
		return err
	}
	fmt.Printf("✅ Pushed %d entries (dim %d)\n", g.Len(), g.Dim())
	return nil
}

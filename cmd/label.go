package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var labelInDB bool

var labelCmd = &cobra.Command{
	Use:   "label <old_name> <new_name>",
	Short: "Rename a person in the gallery",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		old, name := args[0], args[1]
		if name == "" {
			return fmt.Errorf("new name must not be empty")
		}

		if labelInDB {
			db, err := openDB(cmd.Context())
			if err != nil {
				utils.ShowError("Database unavailable", err, nil)
				return err
			}
			n, err := db.RenameLabel(cmd.Context(), old, name)
			if err != nil {
				utils.ShowError("Failed to label identity", err, nil)
				return err
			}
			return reportRelabel(old, name, n)
		}

		g, err := gallery.Load(Cfg.Gallery)
		if err != nil {
			utils.ShowError("Failed to load gallery", err, nil)
			return err
		}
		n := g.Relabel(old, name)
		if n > 0 {
			if err := gallery.Save(Cfg.Gallery, g); err != nil {
				utils.ShowError("Failed to write gallery", err, nil)
				return err
			}
		}
		return reportRelabel(old, name, n)
	},
}

func init() {
	labelCmd.Flags().BoolVar(&labelInDB, "db", false, "Rename in the database mirror instead of the gallery file")
	rootCmd.AddCommand(labelCmd)
}

func reportRelabel(old, name string, n int) error {
	if n == 0 {
		return fmt.Errorf("no gallery entries labeled '%s'", old)
	}
	fmt.Printf("✅ %d samples of '%s' labeled as '%s'\n", n, old, name)
	return nil
}

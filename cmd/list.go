package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/gallery"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/utils"
)

var listInDB bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the people in the gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listInDB {
			return runListDB(cmd.Context())
		}
		return runList()
	},
}

func init() {
	listCmd.Flags().BoolVar(&listInDB, "db", false, "List the database mirror instead of the gallery file")
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	g, err := gallery.Load(Cfg.Gallery)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, nil)
		return err
	}
	names, counts := g.Identities()
	rows := make([]store.LabelCount, len(names))
	for i, n := range names {
		rows[i] = store.LabelCount{Label: n, Count: counts[n]}
	}
	fmt.Printf("%s: %d samples, dim %d\n", Cfg.Gallery, g.Len(), g.Dim())
	printLabels(rows)
	return nil
}

func runListDB(ctx context.Context) error {
	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	rows, err := db.ListLabels(ctx)
	if err != nil {
		utils.ShowError("Failed to list labels", err, nil)
		return err
	}
	if push, ok, err := db.LastPush(ctx); err == nil && ok {
		fmt.Printf("database: %d samples, dim %d, pushed %s\n", push.Entries, push.Dim, push.PushedAt.Local().Format("2006-01-02 15:04"))
	}
	printLabels(rows)
	return nil
}

func printLabels(rows []store.LabelCount) {
	if len(rows) == 0 {
		fmt.Println("No people found in gallery.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSAMPLES")
	fmt.Fprintln(w, "----\t-------")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\n", r.Label, r.Count)
	}
	w.Flush()
}

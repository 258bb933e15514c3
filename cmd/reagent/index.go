package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"reagent/internal/sop"
)

var indexWatch bool

var indexCmd = &cobra.Command{
	Use:   "index <dir>",
	Short: "Index SOP documents for retrieval",
	Long: `Index chunks and embeds every SOP document (.md, .mdx, .txt, .rst)
under the given directory. Re-indexing a document replaces its previous
passages. With --watch, stays running and re-indexes on file changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildStores()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx := cmd.Context()
		dir := args[0]

		n, err := rt.retriever.IndexDir(ctx, dir)
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d passages from %s\n", n, dir)

		if !indexWatch {
			return nil
		}

		watcher, err := sop.NewWatcher(dir, rt.retriever, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		fmt.Println("Watching for changes (Ctrl-C to stop)...")
		<-ctx.Done()
		watcher.Stop()
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexWatch, "watch", false, "re-index on file changes")
	rootCmd.AddCommand(indexCmd)
}

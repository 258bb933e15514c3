package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "List committed episodic records",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildStores()
		if err != nil {
			return err
		}
		defer rt.close()

		episodes, err := rt.store.AllEpisodes(cmd.Context())
		if err != nil {
			return err
		}
		if len(episodes) == 0 {
			fmt.Println("No episodes yet.")
			return nil
		}
		for _, ep := range episodes {
			fmt.Printf("%4d  %s  %-9s  %.2f  %s\n",
				ep.ID, ep.CreatedAt.Format("2006-01-02 15:04"), ep.Outcome, ep.Score, ep.Goal)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(memoryCmd)
}

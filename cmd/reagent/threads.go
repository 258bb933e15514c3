package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List investigation threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildStores()
		if err != nil {
			return err
		}
		defer rt.close()

		threads, err := rt.checkpoints.Threads(cmd.Context())
		if err != nil {
			return err
		}
		if len(threads) == 0 {
			fmt.Println("No threads yet.")
			return nil
		}
		for _, th := range threads {
			fmt.Printf("%s  %s  %s\n", th.ID, th.CreatedAt.Format("2006-01-02 15:04"), th.Title)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <thread-id>",
	Short: "Show the event history of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildStores()
		if err != nil {
			return err
		}
		defer rt.close()

		events, err := rt.checkpoints.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%4d  %-18s %s\n", ev.Seq, ev.Type, ev.Payload)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(historyCmd)
}

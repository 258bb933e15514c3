package main

import (
	"github.com/spf13/cobra"
)

var resumeFollow bool

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Resume an interrupted investigation from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		stop := make(chan struct{})
		done := make(chan struct{})
		if resumeFollow {
			go followProgress(rt.supervisor, stop, done)
		} else {
			close(done)
		}

		res, runErr := rt.supervisor.Resume(cmd.Context(), args[0])
		close(stop)
		<-done

		printResult(res)
		return runErr
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeFollow, "follow", false, "stream progress events")
	rootCmd.AddCommand(resumeCmd)
}

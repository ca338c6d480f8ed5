package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"pcodelift/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs [FILE]",
	Short: "Print the newest debug log",
	Long: `logs prints a debug log written with PCODELIFT_LOG_TO_FILE=1. Without FILE
the newest pcodelift-*-debug.log in the working directory is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			var err error
			if path, err = newestLog("."); err != nil {
				return err
			}
		}
		follow, _ := cmd.Flags().GetBool("follow")

		t, err := tail.TailFile(path, tail.Config{
			Follow:    follow,
			ReOpen:    follow,
			MustExist: true,
			Logger:    tail.DiscardingLogger,
		})
		if err != nil {
			return err
		}
		defer t.Cleanup()

		out := cmd.OutOrStdout()
		for {
			select {
			case <-cmd.Context().Done():
				return t.Stop()
			case line, ok := <-t.Lines:
				if !ok {
					return t.Wait()
				}
				if line.Err != nil {
					return line.Err
				}
				fmt.Fprintln(out, line.Text)
			}
		}
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "Keep printing lines as they are written")
}

// newestLog returns the lexically greatest debug log in dir. Log names
// embed a sortable timestamp.
func newestLog(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, logging.FilePattern))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s in %s", logging.FilePattern, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// Command sqllint checks that every SQL constant carries a unique
// "--sql <uuid>" audit marker on its first line. SQLRunner logs the marker
// with each statement, so a missing or reused marker makes slow query and
// error logs ambiguous.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "sqllint [path...]",
		Short:         "Verify --sql audit markers on SQL constants",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"."}
			}
			l := newLinter()
			for _, target := range args {
				if err := l.lintPath(target); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "sqllint: %v\n", err)
					return err
				}
			}
			violations := l.finish()
			if len(violations) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "sqllint: %d statements ok\n", len(l.seen))
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "sqllint: SQL audit marker problems")
			for _, v := range violations {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", v)
			}
			return fmt.Errorf("%d violations", len(violations))
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tinyrange/hellodev/internal/trace"
)

var runCmd = &cobra.Command{
	Use:   "run <trace.yml>...",
	Short: "Run access traces against a fresh machine",
	Long: `Loads each trace script, runs it against a newly built machine and prints
one line per step. The command fails if any step fails.

Example:
  hellodev run internal/trace/testdata/hello.yml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := afero.NewOsFs()
		out := cmd.OutOrStdout()

		failed := 0
		for _, path := range args {
			script, err := trace.LoadScript(fs, path)
			if err != nil {
				return err
			}
			m, err := loadMachine(fs)
			if err != nil {
				return err
			}
			report, runErr := trace.NewRunner(m, nil).Run(cmd.Context(), script)
			closeErr := m.Close()
			if runErr != nil {
				return runErr
			}
			if closeErr != nil {
				return closeErr
			}

			fmt.Fprintf(out, "%s\n", report.Script)
			for _, st := range report.Steps {
				status := "ok  "
				detail := fmt.Sprintf("%#x", st.Got)
				if !st.Passed {
					status = "FAIL"
					detail = st.Err.Error()
				}
				fmt.Fprintf(out, "  %s %s: %s\n", status, st.Name, detail)
			}
			failed += report.Failed()
		}
		if failed > 0 {
			return fmt.Errorf("%d step(s) failed", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

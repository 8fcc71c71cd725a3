package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/channels"
)

func newDoctorCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check credentials and connectivity of every enabled channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager := channels.NewManager(cfg, bus.NewMessageBus(1))
			results := manager.Doctor(cmd.Context(), timeout)
			failed := printDoctor(cmd.OutOrStdout(), manager.ConfigErrors(), results)
			if failed > 0 {
				return fmt.Errorf("%d channel(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "per-channel probe timeout")
	return cmd
}

// printDoctor writes the report and returns the number of failures.
func printDoctor(out io.Writer, configErrors []error, results []channels.ProbeResult) int {
	pass := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	failed := 0
	for _, err := range configErrors {
		failed++
		fmt.Fprintf(out, "%s config: %v\n", fail("✗"), err)
	}
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "%s %s (%s): %v\n", fail("✗"), r.Channel, r.Kind, r.Err)
			continue
		}
		fmt.Fprintf(out, "%s %s (%s) %s\n", pass("✓"), r.Channel, r.Kind, r.Duration.Round(time.Millisecond))
	}
	if len(configErrors)+len(results) == 0 {
		fmt.Fprintln(out, "No channels enabled")
	}
	return failed
}

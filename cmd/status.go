package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusOutput string

// statusReport is the yaml-marshalable shape of a statistics snapshot;
// platform.Statistics itself keys its maps by the task/claimer Status
// type, which yaml.v3 cannot marshal as map keys directly.
type statusReport struct {
	Tasks           int            `yaml:"tasks"`
	TasksByStatus   map[string]int `yaml:"tasks_by_status"`
	Claimers        int            `yaml:"claimers"`
	ClaimersByState map[string]int `yaml:"claimers_by_state"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Load the config file and print registry statistics",
	Long: `Build a platform from the config file's seed claimers/tasks and print
a one-shot statistics summary, without running any claimers.`,
	Run: func(cmd *cobra.Command, args []string) {
		p, _, err := loadPlatform()
		if err != nil {
			exitWithError("load platform", err)
		}
		stats := p.Statistics()

		if statusOutput == "yaml" {
			report := statusReport{
				Tasks:           stats.TotalTasks,
				TasksByStatus:   make(map[string]int),
				Claimers:        stats.TotalClaimers,
				ClaimersByState: make(map[string]int),
			}
			for status, count := range stats.ByStatus {
				report.TasksByStatus[status.String()] = count
			}
			for status, count := range stats.ClaimerByState {
				report.ClaimersByState[status.String()] = count
			}
			out, err := yaml.Marshal(report)
			if err != nil {
				exitWithError("marshal status", err)
			}
			fmt.Print(string(out))
			return
		}

		fmt.Printf("tasks: %d\n", stats.TotalTasks)
		for status, count := range stats.ByStatus {
			fmt.Printf("  %s: %d\n", status, count)
		}
		fmt.Printf("claimers: %d\n", stats.TotalClaimers)
		for status, count := range stats.ClaimerByState {
			fmt.Printf("  %s: %d\n", status, count)
		}
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text or yaml")
}

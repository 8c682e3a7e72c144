package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dispatchkit/platform/internal/task"
)

var (
	publishTitle    string
	publishCategory string
	publishPriority int
	publishTags     []string
)

// publishCmd publishes a single ad-hoc task against a freshly seeded
// platform and prints its assigned id. It exists for quick manual testing
// of a config file's claimers against one extra task, not as a way to
// drive a long-lived platform process (there is none - each CLI
// invocation builds and discards its own platform).
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one ad-hoc task and print its id",
	Run: func(cmd *cobra.Command, args []string) {
		p, _, err := loadPlatform()
		if err != nil {
			exitWithError("load platform", err)
		}

		t := task.New(publishTitle)
		t.SetCategory(publishCategory)
		for _, tg := range publishTags {
			t.AddTag(tg)
		}
		t.SetPriority(publishPriority)

		if err := p.Publish(t); err != nil {
			exitWithError("publish task", err)
		}
		fmt.Println(t.ID())
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishTitle, "title", "", "task title")
	publishCmd.Flags().StringVar(&publishCategory, "category", "", "task category")
	publishCmd.Flags().IntVar(&publishPriority, "priority", task.PriorityNormal, "task priority (0-100)")
	publishCmd.Flags().StringSliceVar(&publishTags, "tag", nil, "task tag (repeatable)")
	_ = publishCmd.MarkFlagRequired("title")
}

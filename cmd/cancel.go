package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dispatchkit/platform/internal/task"
)

var cancelReason string

// cancelCmd seeds a platform and cancels one of its seeded tasks by id,
// printing the resulting status. Since each invocation builds a fresh
// platform from the config file, this is only useful for exercising
// Platform.Cancel against tasks that are Published at seed time.
var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a seeded task by id",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		p, _, err := loadPlatform()
		if err != nil {
			exitWithError("load platform", err)
		}

		id := task.ID(args[0])
		if err := p.Cancel(id, cancelReason); err != nil {
			exitWithError("cancel task", err)
		}

		t, _ := p.Get(id)
		fmt.Println(t.Status())
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason")
}

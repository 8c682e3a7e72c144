package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var claimClaimerID string

// claimCmd seeds a platform, has one named claimer attempt claim_next
// against it, and prints the claimed task's id (or reports that nothing
// was available). It is a diagnostic for checking a config file's
// claimer/task affinity wiring, not a long-running worker loop - see
// runCmd for that.
var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Have one seeded claimer attempt to claim the next available task",
	Run: func(cmd *cobra.Command, args []string) {
		p, _, err := loadPlatform()
		if err != nil {
			exitWithError("load platform", err)
		}

		c, ok := p.Claimer(claimClaimerID)
		if !ok {
			exitWithError("claim", fmt.Errorf("claimer %q not registered", claimClaimerID))
		}

		t, err := c.ClaimNext()
		if err != nil {
			exitWithError("claim", err)
		}
		fmt.Println(t.ID())
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimClaimerID, "claimer", "", "id of the claimer that should claim")
	_ = claimCmd.MarkFlagRequired("claimer")
}

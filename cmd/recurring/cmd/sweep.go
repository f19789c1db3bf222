package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dryRun bool

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Repair referential integrity and mark overdue instances missed",
	Long: `Sweep removes instances whose template was deleted, clears document
links and match references that no longer resolve, deletes candidates whose
created template is gone, and marks overdue expected instances as missed.

With --dry-run the store is only inspected: every discrepancy is printed and
nothing is changed.

Examples:
  recurring sweep --db payments.db
  recurring sweep --dry-run`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report discrepancies without changing anything")
	viper.BindPFlag("dry-run", sweepCmd.Flags().Lookup("dry-run"))
}

func runSweep(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if viper.GetBool("dry-run") {
		discrepancies, err := eng.integrity.ValidateIntegrity()
		if err != nil {
			return err
		}
		if eng.config.JSONOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
				"discrepancies": discrepancies,
			})
		}
		if len(discrepancies) == 0 {
			fmt.Println("store is consistent")
			return nil
		}
		for _, d := range discrepancies {
			fmt.Println(d)
		}
		fmt.Printf("%d discrepancies found\n", len(discrepancies))
		return nil
	}

	report, err := eng.integrity.Sweep()
	if err != nil {
		return err
	}
	missed, err := eng.scheduler.MarkOverdueInstancesAsMissed()
	if err != nil {
		return err
	}

	if eng.config.JSONOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"report":           report,
			"instances_missed": missed,
		})
	}
	fmt.Printf("orphaned instances removed:        %d\n", report.OrphanedInstancesRemoved)
	fmt.Printf("orphaned document links cleared:   %d\n", report.OrphanedDocumentLinksCleared)
	fmt.Printf("mismatched document links fixed:   %d\n", report.MismatchedDocumentLinksFixed)
	fmt.Printf("dangling match references cleared: %d\n", report.DanglingMatchReferencesCleared)
	fmt.Printf("orphaned candidates removed:       %d\n", report.OrphanedCandidatesRemoved)
	fmt.Printf("overdue instances marked missed:   %d\n", missed)
	return nil
}

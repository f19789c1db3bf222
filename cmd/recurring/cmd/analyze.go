package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"recurring-payments-engine/internal/integrity"
)

var applyMigration bool

// analyzeCmd represents the analyze command
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Find templates that absorbed two distinct obligations",
	Long: `Analyze groups every template's linked documents by amount bucket and
reports templates whose documents fall into more than one bucket, which
usually means two distinct recurring obligations from the same vendor ended
up under one template. It also reports vendor names that drifted apart.

With --apply, templates that pass the migration gates (at least two documents
in every bucket and bucket averages separated by more than half) are split
automatically.

Examples:
  recurring analyze
  recurring analyze --apply`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().BoolVar(&applyMigration, "apply", false, "split templates that pass the migration gates")
	viper.BindPFlag("apply", analyzeCmd.Flags().Lookup("apply"))
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if viper.GetBool("apply") {
		report, err := eng.integrity.PerformAutomaticMigration()
		if err != nil {
			return err
		}
		if eng.config.JSONOutput {
			return json.NewEncoder(os.Stdout).Encode(report)
		}
		fmt.Printf("analyzed %d templates, split %d\n", report.TemplatesAnalyzed, report.TemplatesSplit)
		for _, split := range report.Splits {
			fmt.Printf("  %s (%s) -> %d new templates\n",
				split.Original.DisplayName(), split.Original.ID, len(split.Created))
		}
		return nil
	}

	all, err := eng.templates.All()
	if err != nil {
		return err
	}

	var needingSplit []*integrity.TemplateAnalysis
	for _, template := range all {
		analysis, err := eng.integrity.AnalyzeTemplate(template.ID)
		if err != nil {
			return err
		}
		if analysis.NeedsSplit {
			needingSplit = append(needingSplit, analysis)
		}
	}

	drift, err := eng.integrity.DetectVendorFingerprintChanges()
	if err != nil {
		return err
	}

	if eng.config.JSONOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"needing_split": needingSplit,
			"vendor_drift":  drift,
		})
	}

	if len(needingSplit) == 0 && len(drift) == 0 {
		fmt.Println("no templates need attention")
		return nil
	}
	for _, analysis := range needingSplit {
		fmt.Printf("%s (%s) spans %d amount buckets:\n",
			analysis.Template.DisplayName(), analysis.Template.ID, len(analysis.Buckets))
		for _, bucket := range analysis.Buckets {
			fmt.Printf("  %s: %d documents, avg %s\n",
				bucket.Bucket, len(bucket.DocumentIDs), bucket.AverageAmount.StringFixed(2))
		}
	}
	for _, group := range drift {
		fmt.Printf("vendor drift around %q: %v\n", group.Representative, group.VendorNames)
	}
	return nil
}

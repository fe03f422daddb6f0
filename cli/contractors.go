package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vts/obligation-engine/contractor"
)

var contractorsCmd = &cobra.Command{
	Use:   "contractors",
	Short: "List the contractor directory",
	Long: `List the contractors from the config file, preferred and best rated
first. Filter by trade with --specialty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var q contractor.Query
		if s, _ := cmd.Flags().GetString("specialty"); s != "" {
			sp, err := contractor.ParseSpecialty(s)
			if err != nil {
				return err
			}
			q.Specialty = sp
		}
		q.PreferredOnly, _ = cmd.Flags().GetBool("preferred")

		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return contractorsRun(a, ui, q)
	},
}

func init() {
	contractorsCmd.Flags().String("specialty", "", "Only contractors covering this trade")
	contractorsCmd.Flags().Bool("preferred", false, "Only preferred contractors")
	rootCmd.AddCommand(contractorsCmd)
}

func contractorsRun(a *app, ui *UI, q contractor.Query) error {
	cs := a.contractors.Find(q)
	if len(cs) == 0 {
		ui.Info("No contractors match")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Company", "Specialties", "Rate", "Rating", ""})
	for _, c := range cs {
		specialties := make([]string, len(c.Specialties))
		for i, sp := range c.Specialties {
			specialties[i] = string(sp)
		}
		rate := "-"
		if c.HourlyRate != nil {
			rate = c.HourlyRate.StringFixed(2) + "/h"
		}
		rating := "-"
		if c.Rating > 0 {
			rating = fmt.Sprintf("%d/5", c.Rating)
		}
		preferred := ""
		if c.Preferred {
			preferred = green("preferred")
		}
		_ = table.Append([]string{c.ID, c.Name, c.Company, strings.Join(specialties, ", "), rate, rating, preferred})
	}
	_ = table.Render()
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/risk"
)

var riskProfileCmd = &cobra.Command{
	Use:   "riskprofile",
	Short: "Inspect and update tenant risk profiles",
}

var riskProfileShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Show a tenant's risk profile",
	Long:  "Prints the tenant's scoring weights, thresholds, and modifiers. Tenants without a stored profile show the defaults applied at onboarding.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := storeForCLI(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		policy, err := risk.LoadPolicy(cfg.Risk.PolicyPath)
		if err != nil {
			return err
		}

		profile, err := risk.NewEngine(st, policy).Profile(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "riskprofile show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(profile)
	},
}

var riskProfileSetCmd = &cobra.Command{
	Use:   "set <tenant-id>",
	Short: "Replace a tenant's risk profile from a JSON file",
	Long:  "Validates and stores the profile. Factor weights must sum to exactly 100 and thresholds must satisfy low < medium < high; invalid profiles are rejected without touching stored state.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrap(err, "riskprofile set: read file")
		}

		var profile model.RiskProfile
		if err := json.Unmarshal(data, &profile); err != nil {
			return eris.Wrap(err, "riskprofile set: parse file")
		}
		profile.TenantID = args[0]

		st, err := storeForCLI(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		policy, err := risk.LoadPolicy(cfg.Risk.PolicyPath)
		if err != nil {
			return err
		}

		if err := risk.NewEngine(st, policy).PutProfile(ctx, &profile); err != nil {
			return eris.Wrap(err, "riskprofile set")
		}

		fmt.Printf("risk profile updated for tenant %s\n", profile.TenantID)
		return nil
	},
}

func init() {
	riskProfileSetCmd.Flags().String("file", "", "path to JSON profile file (required)")
	_ = riskProfileSetCmd.MarkFlagRequired("file")

	riskProfileCmd.AddCommand(riskProfileShowCmd)
	riskProfileCmd.AddCommand(riskProfileSetCmd)
	rootCmd.AddCommand(riskProfileCmd)
}

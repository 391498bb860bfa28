package main

import (
	"fmt"
	"os"

	"github.com/cuemby/bastion/pkg/abac"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage attribute policies",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a policy file without loading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		policies, err := abac.ParsePolicies(data)
		if err != nil {
			return err
		}

		for _, p := range policies {
			fmt.Printf("%-30s %-5s priority=%d rules=%d active=%v\n",
				p.Name, p.Effect, p.Priority, len(p.Rules), p.Active)
		}
		fmt.Printf("%d policies valid\n", len(policies))
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
}

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/cuemby/bastion/pkg/rbac"
	"github.com/spf13/cobra"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Manage role definitions",
}

var rolesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a role file, including hierarchy checks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		roles, err := rbac.ParseRoles(data)
		if err != nil {
			return err
		}

		// Hierarchy problems (cycles, unknown parents) only surface on load
		authority := rbac.NewAuthority()
		if err := authority.Load(roles); err != nil {
			return err
		}

		sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
		for _, role := range roles {
			perms := authority.PermissionsFor([]string{role.Name})
			fmt.Printf("%-20s direct=%d effective=%d parents=%v active=%v\n",
				role.Name, len(role.Permissions), len(perms), role.Parents, role.Active)
		}
		fmt.Printf("%d roles valid\n", len(roles))
		return nil
	},
}

func init() {
	rolesCmd.AddCommand(rolesValidateCmd)
}

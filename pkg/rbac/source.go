package rbac

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cuemby/bastion/pkg/types"
	"gopkg.in/yaml.v3"
)

// roleDoc is the on-disk role source format. Decoding is strict: unknown
// fields reject the document instead of being silently ignored.
type roleDoc struct {
	Roles map[string]roleSpec `yaml:"roles"`
}

type roleSpec struct {
	Permissions []string `yaml:"permissions"`
	ParentRoles []string `yaml:"parent_roles"`
	Active      *bool    `yaml:"active"`
}

// ParseRoles parses the YAML role source into role definitions. Any
// malformed entry rejects the whole document.
func ParseRoles(data []byte) ([]*types.Role, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var doc roleDoc
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse role source: %w", err)
	}
	if len(doc.Roles) == 0 {
		return nil, fmt.Errorf("role source defines no roles")
	}

	names := make([]string, 0, len(doc.Roles))
	for name := range doc.Roles {
		names = append(names, name)
	}
	sort.Strings(names)

	roles := make([]*types.Role, 0, len(names))
	for _, name := range names {
		spec := doc.Roles[name]

		perms := make([]types.Permission, 0, len(spec.Permissions))
		for _, raw := range spec.Permissions {
			p, err := types.ParsePermission(raw)
			if err != nil {
				return nil, fmt.Errorf("role %q: %w", name, err)
			}
			perms = append(perms, p)
		}

		active := true
		if spec.Active != nil {
			active = *spec.Active
		}

		roles = append(roles, &types.Role{
			Name:        name,
			Permissions: perms,
			Parents:     spec.ParentRoles,
			Active:      active,
		})
	}
	return roles, nil
}

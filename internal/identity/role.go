// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"strings"

	"github.com/taibuivan/veyra/pkg/slug"
)

// # Roles & Permissions

// Well-known role names. Stored names carry the ROLE_ prefix; token claims
// strip it (see the oauth token customizer).
const (
	RoleUser  = "ROLE_USER"
	RoleAdmin = "ROLE_ADMIN"
)

// PathSeparator joins the labels of a materialized role path.
const PathSeparator = "."

// Role is a node in the role hierarchy.
//
// Path is the materialized LTREE-style location, e.g. "user.admin" for a
// role whose parent is ROLE_USER. A role implies every permission of every
// role whose path is a prefix of its own, so permission resolution never
// recurses through parent pointers.
type Role struct {
	ID          int64  `json:"-"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
	ParentID    *int64 `json:"-"`
}

// Permission names a discrete capability (26-char identifier limit in storage).
type Permission struct {
	ID          int64  `json:"-"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PathLabel derives the LTREE-safe label for a role name: the ROLE_ prefix
// is stripped, the remainder slugified, and hyphens mapped to underscores
// (LTREE labels allow only [A-Za-z0-9_]).
func PathLabel(roleName string) string {
	bare := strings.TrimPrefix(roleName, "ROLE_")
	return strings.ReplaceAll(slug.From(bare), "-", "_")
}

// ChildPath extends a parent path with the label for roleName. An empty
// parent path yields a root label.
func ChildPath(parentPath, roleName string) string {
	label := PathLabel(roleName)
	if parentPath == "" {
		return label
	}
	return parentPath + PathSeparator + label
}

// IsAncestorPath reports whether ancestor's path strictly contains
// descendant's path (ancestor is higher in the hierarchy).
func IsAncestorPath(ancestor, descendant string) bool {
	if ancestor == "" || ancestor == descendant {
		return false
	}
	return strings.HasPrefix(descendant, ancestor+PathSeparator)
}

// BareName strips the ROLE_ prefix for token claims.
func BareName(roleName string) string {
	return strings.TrimPrefix(roleName, "ROLE_")
}

// BareNames maps a role slice to claim-ready bare names.
func BareNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, BareName(role.Name))
	}
	return names
}

// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taibuivan/veyra/internal/identity"
)

func TestPathLabel(t *testing.T) {
	tests := []struct {
		roleName string
		want     string
	}{
		{roleName: "ROLE_USER", want: "user"},
		{roleName: "ROLE_ADMIN", want: "admin"},
		{roleName: "ROLE_SUPPORT_AGENT", want: "support_agent"},
		{roleName: "CUSTOM", want: "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.roleName, func(t *testing.T) {
			assert.Equal(t, tt.want, identity.PathLabel(tt.roleName))
		})
	}
}

func TestChildPath(t *testing.T) {
	assert.Equal(t, "user", identity.ChildPath("", identity.RoleUser))
	assert.Equal(t, "user.admin", identity.ChildPath("user", identity.RoleAdmin))
	assert.Equal(t, "user.admin.support_agent", identity.ChildPath("user.admin", "ROLE_SUPPORT_AGENT"))
}

func TestIsAncestorPath(t *testing.T) {
	tests := []struct {
		name       string
		ancestor   string
		descendant string
		want       bool
	}{
		{name: "direct child", ancestor: "user", descendant: "user.admin", want: true},
		{name: "transitive descendant", ancestor: "user", descendant: "user.admin.ops", want: true},
		{name: "same path is not ancestor", ancestor: "user", descendant: "user", want: false},
		{name: "reversed", ancestor: "user.admin", descendant: "user", want: false},
		{name: "label prefix without separator", ancestor: "user", descendant: "userland.admin", want: false},
		{name: "empty ancestor", ancestor: "", descendant: "user", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, identity.IsAncestorPath(tt.ancestor, tt.descendant))
		})
	}
}

func TestBareNames(t *testing.T) {
	roles := []identity.Role{
		{Name: "ROLE_USER"},
		{Name: "ROLE_ADMIN"},
		{Name: "CUSTOM"},
	}

	assert.Equal(t, []string{"USER", "ADMIN", "CUSTOM"}, identity.BareNames(roles))
	assert.Empty(t, identity.BareNames(nil))
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleLeader.AtLeast(RoleColeader))
	assert.True(t, RoleColeader.AtLeast(RoleModerator))
	assert.True(t, RoleMember.AtLeast(RoleMember))
	assert.False(t, RoleMember.AtLeast(RoleModerator))
	assert.False(t, RoleModerator.AtLeast(RoleLeader))
}

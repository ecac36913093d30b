package models

// ConversationType tags the conversation variant.
type ConversationType string

const (
	ConversationTypeGroup ConversationType = "group"
	// ConversationTypeDM is reserved; direct messages carry no behaviour yet.
	ConversationTypeDM ConversationType = "dm"
)

// Role is a member's standing inside a group.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// AtLeast reports whether r grants everything other grants.
func (r Role) AtLeast(other Role) bool {
	return roleRank(r) >= roleRank(other)
}

func roleRank(r Role) int {
	switch r {
	case RoleSuperAdmin:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

// Permission names who may perform a class of commit.
type Permission string

const (
	AllowAnyMember  Permission = "any_member"
	AllowAdmin      Permission = "admin"
	AllowSuperAdmin Permission = "super_admin"
	AllowNone       Permission = "deny"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	switch p {
	case AllowAnyMember, AllowAdmin, AllowSuperAdmin, AllowNone:
		return true
	}
	return false
}

// Allows reports whether a member with role r passes p. Super admins always pass.
func (p Permission) Allows(r Role) bool {
	if r == RoleSuperAdmin {
		return true
	}
	switch p {
	case AllowAnyMember:
		return r.AtLeast(RoleMember)
	case AllowAdmin:
		return r.AtLeast(RoleAdmin)
	}
	return false
}

// PermissionPolicy is persisted with the group and checked at commit and apply time.
type PermissionPolicy struct {
	AddMember      Permission `json:"add_member"`
	RemoveMember   Permission `json:"remove_member"`
	UpdateMetadata Permission `json:"update_metadata"`
}

// DefaultPolicy lets any member add people and edit metadata, and only admins remove.
func DefaultPolicy() PermissionPolicy {
	return PermissionPolicy{
		AddMember:      AllowAnyMember,
		RemoveMember:   AllowAdmin,
		UpdateMetadata: AllowAnyMember,
	}
}

// WithDefaults fills unset entries from DefaultPolicy.
func (p PermissionPolicy) WithDefaults() PermissionPolicy {
	d := DefaultPolicy()
	if p.AddMember == "" {
		p.AddMember = d.AddMember
	}
	if p.RemoveMember == "" {
		p.RemoveMember = d.RemoveMember
	}
	if p.UpdateMetadata == "" {
		p.UpdateMetadata = d.UpdateMetadata
	}
	return p
}

// Valid reports whether every entry is a known permission.
func (p PermissionPolicy) Valid() bool {
	return p.AddMember.Valid() && p.RemoveMember.Valid() && p.UpdateMetadata.Valid()
}

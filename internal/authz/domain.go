// Package authz implements the organization-scoped authorization engine:
// the global permission catalog, per-organization role graphs with DAG
// inheritance, idempotent tenant seeding and cached effective-permission
// resolution.
package authz

import "time"

// Core permission codes. The catalog is global; roles are org-scoped.
const (
	PermDocumentsView     = "documents.view"
	PermDocumentsUpload   = "documents.upload"
	PermDocumentsDelete   = "documents.delete"
	PermAuditsExport      = "audits.export"
	PermOrgManage         = "org.manage"
	PermDepartmentsManage = "departments.manage"
	PermUsersInvite       = "users.invite"
	PermUsersManage       = "users.manage"
	PermRolesManage       = "roles.manage"
)

// Built-in role names seeded for every organization.
const (
	RoleOrgAdmin          = "Organisation Admin"
	RoleComplianceManager = "Compliance Manager"
	RoleAuditor           = "Auditor"
	RoleMember            = "Member"
)

// SeedVersion is the current seed schema version. Bump it when the catalog,
// default grants or default inheritance change; organizations with an older
// persisted version are re-seeded on next use.
const SeedVersion = 1

// Permission represents an atomic capability.
type Permission struct {
	ID          int64
	Code        string
	Description string
}

// Role represents a named permission bundle scoped to one organization.
type Role struct {
	ID             int64
	OrganizationID int64
	Name           string
	Description    string
	IsSystem       bool
	CreatedAt      time.Time
}

// AssignedRole is the tagged union a membership carries: either a reference
// to an org-scoped role (preferred) or a free-form label left over from the
// legacy schema. Exactly one side is set.
type AssignedRole struct {
	RoleID      int64
	LegacyLabel string
}

// IsRoleRef reports whether the assignment references a role row.
func (a AssignedRole) IsRoleRef() bool { return a.RoleID != 0 }

// IsLegacy reports whether the assignment is a legacy label.
func (a AssignedRole) IsLegacy() bool { return a.RoleID == 0 && a.LegacyLabel != "" }

// CatalogPermissions returns the nine permission codes every deployment
// registers, with their descriptions.
func CatalogPermissions() []Permission {
	return []Permission{
		{Code: PermDocumentsView, Description: "View documents"},
		{Code: PermDocumentsUpload, Description: "Upload documents"},
		{Code: PermDocumentsDelete, Description: "Delete documents"},
		{Code: PermAuditsExport, Description: "Export audit data"},
		{Code: PermOrgManage, Description: "Manage organization profile/settings"},
		{Code: PermDepartmentsManage, Description: "Manage departments"},
		{Code: PermUsersInvite, Description: "Invite users to organization"},
		{Code: PermUsersManage, Description: "Manage users and memberships"},
		{Code: PermRolesManage, Description: "Manage roles and permissions"},
	}
}

// DefaultRoleDescriptions returns the description for each built-in role.
func DefaultRoleDescriptions() map[string]string {
	return map[string]string{
		RoleOrgAdmin:          "Full administrative access for this organization.",
		RoleComplianceManager: "Manage compliance workflows and documents.",
		RoleAuditor:           "Read-only access for audits and evidence review.",
		RoleMember:            "Standard member access.",
	}
}

// DefaultRoleGrants returns the direct permission grants for each built-in
// role. Inherited permissions are not repeated here.
func DefaultRoleGrants() map[string][]string {
	return map[string][]string{
		RoleMember:            {PermDocumentsView, PermDocumentsUpload},
		RoleAuditor:           {PermDocumentsView, PermAuditsExport},
		RoleComplianceManager: {PermDocumentsView, PermDocumentsUpload, PermDocumentsDelete, PermAuditsExport},
		RoleOrgAdmin:          {PermOrgManage, PermDepartmentsManage, PermUsersInvite, PermUsersManage, PermRolesManage},
	}
}

// DefaultRoleInheritance returns the default edges as (role, inherited role)
// pairs. The topology is a diamond: Organisation Admin and Auditor both reach
// Member, but are unrelated to each other.
func DefaultRoleInheritance() [][2]string {
	return [][2]string{
		{RoleOrgAdmin, RoleComplianceManager},
		{RoleComplianceManager, RoleMember},
		{RoleAuditor, RoleMember},
	}
}

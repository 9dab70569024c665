package authz

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Legacy labels that granted administrative access in the pre-RBAC schema.
// Labels were typed by humans across locales, so comparison uses Unicode
// case folding rather than ASCII lowering.
var legacyAdminLabels = map[string]struct{}{
	"admin":                      {},
	"organisation administrator": {},
	"organization administrator": {},
}

// foldLabel builds its Caser per call; Casers carry internal state and are
// not safe to share across goroutines.
func foldLabel(label string) string {
	return cases.Fold().String(strings.TrimSpace(label))
}

// IsLegacyAdminLabel reports whether the legacy label denoted an organization
// administrator.
func IsLegacyAdminLabel(label string) bool {
	_, ok := legacyAdminLabels[foldLabel(label)]
	return ok
}

// LegacyAdminLabels returns the folded admin labels, sorted, for storage-side
// comparisons against LOWER(legacy_role_label).
func LegacyAdminLabels() []string {
	labels := make([]string, 0, len(legacyAdminLabels))
	for label := range legacyAdminLabels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// LegacyPermissionCodes is the single adapter from a legacy label to
// permission codes. Only users.manage is recognized for admin labels; every
// other label resolves to no permissions. Broader legacy grants are handled
// by backfilling the membership to a role reference, not here.
func LegacyPermissionCodes(label string) []string {
	if IsLegacyAdminLabel(label) {
		return []string{PermUsersManage}
	}
	return nil
}

// LegacyRoleName maps a legacy label to the built-in role the backfill job
// assigns in its place.
func LegacyRoleName(label string) string {
	if IsLegacyAdminLabel(label) {
		return RoleOrgAdmin
	}
	return RoleMember
}

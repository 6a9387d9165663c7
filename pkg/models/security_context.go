package models

// Well-known permissions consumed by the run control surface.
const (
	PermissionAdmin      = "admin"
	PermissionRunCreate  = "playbook_run:create"
	PermissionRunExecute = "playbook_run:execute"
	PermissionRunCancel  = "playbook_run:cancel"
	PermissionRunManage  = "playbook_run:manage"
	PermissionRunRead    = "playbook_run:read"

	PermissionDefinitionManage = "playbook_definition:manage"
	PermissionDefinitionRead   = "playbook_definition:read"

	// PermissionReadSensitive gates internal error detail in API responses.
	PermissionReadSensitive = "READ_SENSITIVE"
)

// SecurityContext is the per-request identity the engine consumes. It is
// derived fresh from entity and relationship data on every call and never
// persisted.
type SecurityContext struct {
	UserID         string          `json:"user_id"`
	OrganizationID string          `json:"organization_id"`
	Permissions    map[string]bool `json:"permissions"`
	Roles          []string        `json:"roles"`
}

// Has reports whether the resolved permission set contains the permission
// verbatim. Wildcard and contextual resolution live in the permission
// service, not here.
func (sc *SecurityContext) Has(permission string) bool {
	return sc.Permissions[permission]
}

// Package permissions resolves and enforces a user's effective permission
// set: direct grants on the user entity, role-derived grants via has_role
// relationships, wildcard matches and contextual rules.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

// ErrForbidden indicates an authenticated caller lacks a required permission.
var ErrForbidden = errors.New("forbidden")

// ForbiddenError carries the first missing permission of an enforcement
// failure.
type ForbiddenError struct {
	UserID     string
	Permission string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %s is missing permission %q", e.UserID, e.Permission)
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

// IsForbidden checks if an error indicates a missing permission.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// Context carries the contextual facts a permission check may depend on.
type Context struct {
	// OwnerID is the owner of the resource being accessed; "read" style
	// permissions pass when the caller owns the resource.
	OwnerID string
	// Department scopes department-suffixed permissions
	// (e.g. "report:read:sales").
	Department string
}

const metadataPermissionsKey = "permissions"

// Service resolves effective permissions from entity and relationship data.
// No resolution result is cached across calls; the security context is
// derived fresh per request.
type Service struct {
	store store.Store
}

// NewService creates a new permission service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// ResolveContext builds a SecurityContext for the user: direct permissions
// from the user entity metadata plus permissions inherited from role
// entities linked via active has_role relationships.
func (s *Service) ResolveContext(ctx context.Context, orgID, userID string) (*models.SecurityContext, error) {
	users, err := s.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeUser,
		IDs:            []string{userID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	if len(users) == 0 {
		return nil, store.NewStoreError("ResolveContext", userID, store.ErrEntityNotFound)
	}

	sc := &models.SecurityContext{
		UserID:         userID,
		OrganizationID: orgID,
		Permissions:    make(map[string]bool),
	}

	for _, permission := range metadataPermissions(users[0].Metadata) {
		sc.Permissions[permission] = true
	}

	now := time.Now().UTC()

	roleEdges, err := s.store.QueryRelationships(ctx, store.RelationshipFilter{
		OrganizationID: orgID,
		FromEntityID:   userID,
		Type:           models.RelationshipHasRole,
		ActiveAt:       &now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load role assignments for %s: %w", userID, err)
	}

	roleIDs := make([]string, 0, len(roleEdges))
	for _, edge := range roleEdges {
		roleIDs = append(roleIDs, edge.ToEntityID)
	}

	if len(roleIDs) > 0 {
		roles, err := s.store.QueryEntities(ctx, store.EntityFilter{
			OrganizationID: orgID,
			Type:           models.EntityTypeRole,
			IDs:            roleIDs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load roles for %s: %w", userID, err)
		}

		for _, role := range roles {
			sc.Roles = append(sc.Roles, role.Name)

			for _, permission := range metadataPermissions(role.Metadata) {
				sc.Permissions[permission] = true
			}
		}
	}

	return sc, nil
}

// Check reports whether the security context satisfies the permission.
// Resolution order: direct grant, wildcard grant, global admin, contextual
// rules.
func (s *Service) Check(sc *models.SecurityContext, permission string, permCtx *Context) bool {
	if sc == nil {
		return false
	}

	if sc.Has(models.PermissionAdmin) {
		return true
	}

	if sc.Has(permission) {
		return true
	}

	if resource, _, found := strings.Cut(permission, ":"); found {
		if sc.Has(resource + ":*") {
			return true
		}
	}

	if permCtx == nil {
		return false
	}

	// Contextual rules: owners may read their own resources, and
	// department-scoped grants match the request's department.
	if permCtx.OwnerID != "" && permCtx.OwnerID == sc.UserID && isReadPermission(permission) {
		return true
	}

	if permCtx.Department != "" && sc.Has(permission+":"+permCtx.Department) {
		return true
	}

	return false
}

// Enforce fails fast on the first missing permission, returning a
// ForbiddenError naming it. Callers are responsible for auditing failures.
func (s *Service) Enforce(sc *models.SecurityContext, required []string, permCtx *Context) error {
	for _, permission := range required {
		if !s.Check(sc, permission, permCtx) {
			userID := ""
			if sc != nil {
				userID = sc.UserID
			}

			return &ForbiddenError{UserID: userID, Permission: permission}
		}
	}

	return nil
}

func isReadPermission(permission string) bool {
	_, action, found := strings.Cut(permission, ":")

	return found && (action == "read" || strings.HasPrefix(action, "read:"))
}

func metadataPermissions(metadata map[string]any) []string {
	raw, ok := metadata[metadataPermissionsKey]
	if !ok {
		return nil
	}

	switch values := raw.(type) {
	case []string:
		return values
	case []any:
		permissions := make([]string, 0, len(values))

		for _, value := range values {
			if permission, ok := value.(string); ok {
				permissions = append(permissions, permission)
			}
		}

		return permissions
	}

	return nil
}

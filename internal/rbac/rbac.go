// Package rbac maps the three platform roles onto the permissions the HTTP
// surface checks.
package rbac

import (
	"net/http"

	"github.com/upswing/flightpath/internal/auth"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

type Permission string

const (
	PermTake           Permission = "assessment.take"
	PermCancel         Permission = "assessment.cancel"
	PermAssign         Permission = "assessment.assign"
	PermReview         Permission = "assessment.review"
	PermOverridePlan   Permission = "recommendation.override"
	PermManageTemplate Permission = "template.manage"
	PermManageItems    Permission = "item.manage"
	PermManageContent  Permission = "content.manage"
	PermReadAudit      Permission = "audit.read"
)

var grants = map[Role]map[Permission]bool{
	RoleStudent: {
		PermTake: true,
	},
	RoleTeacher: {
		PermAssign:       true,
		PermReview:       true,
		PermOverridePlan: true,
	},
	RoleAdmin: {
		PermCancel:         true,
		PermAssign:         true,
		PermReview:         true,
		PermOverridePlan:   true,
		PermManageTemplate: true,
		PermManageItems:    true,
		PermManageContent:  true,
		PermReadAudit:      true,
	},
}

func Allowed(role Role, p Permission) bool {
	return grants[role][p]
}

// Require rejects requests whose identity lacks the permission: 401 with no
// identity, 403 with the wrong role.
func Require(p Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.From(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			if !Allowed(Role(id.Role), p) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

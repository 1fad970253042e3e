// Package auth maps roles to the permissions they grant.
package auth

import (
	"fmt"
	"slices"
	"strings"
)

const (
	RoleAdmin     = "admin"
	RoleAnnotator = "annotator"
	RoleClient    = "client"
)

const (
	PermProjectRead     = "project.read"
	PermProjectWrite    = "project.write"
	PermDatasetUpload   = "dataset.upload"
	PermLabelRun        = "label.run"
	PermTaskReview      = "task.review"
	PermTaskSample      = "task.sample"
	PermTaskManage      = "task.manage"
	PermFeedbackWrite   = "feedback.write"
	PermFeedbackRead    = "feedback.read"
	PermExport          = "export.read"
	PermStatsRead       = "stats.read"
	PermGuidelineRead   = "guideline.read"
	PermGuidelineWrite  = "guideline.write"
	PermAnnotatorManage = "annotator.manage"
	PermEventsRead      = "events.read"
	PermAPIKeyManage    = "apikey.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var allPermissions = []string{
	PermProjectRead, PermProjectWrite, PermDatasetUpload, PermLabelRun,
	PermTaskReview, PermTaskSample, PermTaskManage,
	PermFeedbackWrite, PermFeedbackRead, PermExport, PermStatsRead,
	PermGuidelineRead, PermGuidelineWrite, PermAnnotatorManage,
	PermEventsRead, PermAPIKeyManage,
}

var rolePermissions = map[string][]string{
	RoleAdmin: allPermissions,
	RoleAnnotator: {
		PermProjectRead, PermTaskReview, PermGuidelineRead, PermStatsRead,
	},
	RoleClient: {
		PermProjectRead, PermTaskSample, PermFeedbackWrite, PermFeedbackRead,
		PermExport, PermStatsRead, PermGuidelineRead,
	},
}

// Roles lists the known roles.
func Roles() []string {
	return []string{RoleAdmin, RoleAnnotator, RoleClient}
}

func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// ParseRoles splits a comma separated role list and rejects unknown roles.
func ParseRoles(s string) ([]string, error) {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !ValidRole(r) {
			return nil, fmt.Errorf("invalid role %q", r)
		}
		if !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

// Permissions returns the union of permissions granted by roles, sorted.
func Permissions(roles []string) []string {
	var out []string
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	slices.Sort(out)
	return out
}

func Has(roles []string, perm string) bool {
	for _, r := range roles {
		if slices.Contains(rolePermissions[r], perm) {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless one of roles grants perm.
func Require(roles []string, perm string) error {
	if Has(roles, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

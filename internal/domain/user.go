package domain

import "strings"

// UserPlan enumerates billing plans.
type UserPlan string

const (
	UserPlanFree    UserPlan = "free"
	UserPlanStarter UserPlan = "starter"
	UserPlanPro     UserPlan = "pro"
	UserPlanStudio  UserPlan = "studio"
)

// ParsePlan normalizes free-form plan names. Unknown plans map to free.
func ParsePlan(raw string) UserPlan {
	switch UserPlan(strings.ToLower(strings.TrimSpace(raw))) {
	case UserPlanStarter:
		return UserPlanStarter
	case UserPlanPro:
		return UserPlanPro
	case UserPlanStudio:
		return UserPlanStudio
	default:
		return UserPlanFree
	}
}

// IsFree reports whether the plan is the free tier.
func (p UserPlan) IsFree() bool {
	return p == UserPlanFree
}

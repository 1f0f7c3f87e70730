package misc

import "slices"

// IsAllowedThreshold reports whether n is one of MaxFailedAttemptsOptions
func IsAllowedThreshold(n int) bool {
	return slices.Contains(MaxFailedAttemptsOptions, n)
}

package util

import (
	"regexp"
	"strings"
)

var (
	// Section and branch codes are short identifiers such as "CSE" or "A1".
	codePattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,31}$`)
	subjectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-\.]{0,63}$`)
)

// ContainsSuspicious reports script-like content in free-form input.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// IsValidCode checks branch and section identifiers.
func IsValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// IsValidSubject checks subject identifiers.
func IsValidSubject(s string) bool {
	return subjectPattern.MatchString(s)
}

// IsValidUserID checks caller and student identifiers.
func IsValidUserID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	return !ContainsSuspicious(s) && strings.TrimSpace(s) == s
}

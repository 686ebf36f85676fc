package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// compiled DomainRegex patterns, shared across rules
var regexCache sync.Map

// DomainMatches reports whether domain equals parent or is a subdomain of it
func DomainMatches(domain, parent string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	parent = strings.ToLower(strings.TrimSuffix(parent, "."))
	return domain == parent || strings.HasSuffix(domain, "."+parent)
}

// DomainEndsWith is a case-insensitive suffix check
func DomainEndsWith(domain, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(domain), strings.ToLower(suffix))
}

// DomainRegex matches the lower-cased domain against pattern
func DomainRegex(domain, pattern string) (bool, error) {
	var re *regexp.Regexp
	if cached, ok := regexCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		regexCache.Store(pattern, compiled)
		re = compiled
	}
	return re.MatchString(strings.ToLower(domain)), nil
}

// DomainLevelCount returns the number of labels in domain
func DomainLevelCount(domain string) int {
	domain = strings.Trim(domain, ".")
	if domain == "" {
		return 0
	}
	return strings.Count(domain, ".") + 1
}

// QueryTypeIn reports whether queryType is one of types, ignoring case
func QueryTypeIn(queryType string, types ...string) bool {
	for _, t := range types {
		if strings.EqualFold(queryType, t) {
			return true
		}
	}
	return false
}

// IsWeekend reports whether weekday (0 = Sunday) is Saturday or Sunday
func IsWeekend(weekday int) bool {
	return weekday == 0 || weekday == 6
}

// InTimeRange reports whether hour:minute lies in [start, end]. Ranges that
// wrap past midnight are supported.
func InTimeRange(hour, minute, startHour, startMinute, endHour, endMinute int) bool {
	now := hour*60 + minute
	start := startHour*60 + startMinute
	end := endHour*60 + endMinute

	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

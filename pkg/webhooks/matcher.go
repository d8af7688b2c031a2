package webhooks

import "strings"

// MatchesPattern reports whether eventType satisfies pattern. A pattern is either
// an exact event type or a prefix followed by ".*", which matches any type one or
// more segments below the prefix. A bare "*" is not a wildcard.
func MatchesPattern(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if !strings.HasSuffix(pattern, ".*") {
		return false
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return len(prefix) > 1 && strings.HasPrefix(eventType, prefix)
}

// MatchingSubscriptions returns the active subscriptions with at least one pattern
// matching eventType. The result order is unspecified.
func MatchingSubscriptions(eventType string, all []*Subscription) []*Subscription {
	var matched []*Subscription
	for _, sub := range all {
		if sub == nil || !sub.Active {
			continue
		}
		for _, pattern := range sub.EventTypePatterns {
			if MatchesPattern(pattern, eventType) {
				matched = append(matched, sub)
				break
			}
		}
	}
	return matched
}

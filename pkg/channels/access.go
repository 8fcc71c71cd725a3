package channels

const Wildcard = "*"

// IsAllowed reports whether senderID may reach the dispatcher. An allow-list
// containing Wildcard admits everyone; an empty list admits no one.
func IsAllowed(senderID string, allowList []string) bool {
	for _, allowed := range allowList {
		if allowed == Wildcard || allowed == senderID {
			return true
		}
	}
	return false
}

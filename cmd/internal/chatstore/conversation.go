package chatstore

import (
	"strings"
)

const conversationSep = "_"

// ConversationID returns the canonical id of the conversation between a and b.
// The result does not depend on argument order.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + conversationSep + b
}

// ValidParticipantID reports whether id can take part in a conversation id.
// Ids containing the separator would make ConversationID ambiguous.
func ValidParticipantID(id string) bool {
	if strings.TrimSpace(id) == "" || id != strings.TrimSpace(id) {
		return false
	}
	if strings.Contains(id, conversationSep) {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

// Participants splits a conversation id back into its two participants.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, conversationSep)
	if !ok || !ValidParticipantID(a) || !ValidParticipantID(b) {
		return "", "", false
	}
	return a, b, true
}

// validConversationKey guards file-backed stores against ids that would escape the data dir.
func validConversationKey(id string) bool {
	if strings.TrimSpace(id) == "" || len(id) > 255 {
		return false
	}
	if id == "." || id == ".." || strings.Contains(id, "..") {
		return false
	}
	return !strings.ContainsAny(id, `/\`+"\x00")
}

package types

import (
	"fmt"
	"strings"
)

// Canonical identifier suffixes, in the form the orchestrator expects.
const (
	UserSuffix  = "@c.us"
	GroupSuffix = "@g.us"
	LIDSuffix   = "@lid"

	StatusBroadcast = "status@broadcast"
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Missing builds a ValidationError for an absent required field.
func Missing(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required"}
}

// ParseChatID normalizes a destination into its canonical form.
// Accepted inputs: <digits>@c.us, <digits>@s.whatsapp.net, <id>@g.us,
// <id>@lid, and bare phone numbers with optional '+', spaces or dashes.
func ParseChatID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", Missing("chatId")
	}

	user, server, hasServer := strings.Cut(s, "@")
	if !hasServer {
		digits := stripPhone(user)
		if digits == "" || !isDigits(digits) {
			return "", &ValidationError{Field: "chatId", Reason: fmt.Sprintf("%q is not a phone number or chat id", raw)}
		}
		return digits + UserSuffix, nil
	}

	// Device suffixes (":12") are not part of a chat identity.
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if user == "" {
		return "", &ValidationError{Field: "chatId", Reason: fmt.Sprintf("%q has an empty user part", raw)}
	}

	switch strings.ToLower(server) {
	case "c.us", "s.whatsapp.net":
		if !isDigits(user) {
			return "", &ValidationError{Field: "chatId", Reason: fmt.Sprintf("%q is not a contact id", raw)}
		}
		return user + UserSuffix, nil
	case "g.us":
		if !isGroupUser(user) {
			return "", &ValidationError{Field: "chatId", Reason: fmt.Sprintf("%q is not a group id", raw)}
		}
		return user + GroupSuffix, nil
	case "lid":
		if !isDigits(user) {
			return "", &ValidationError{Field: "chatId", Reason: fmt.Sprintf("%q is not a lid", raw)}
		}
		return user + LIDSuffix, nil
	default:
		return "", &ValidationError{Field: "chatId", Reason: fmt.Sprintf("unsupported server %q", server)}
	}
}

// IsGroupID reports whether a canonical id names a group.
func IsGroupID(id string) bool { return strings.HasSuffix(id, GroupSuffix) }

// IsUserID reports whether a canonical id names a person.
func IsUserID(id string) bool {
	return strings.HasSuffix(id, UserSuffix) || strings.HasSuffix(id, LIDSuffix)
}

func stripPhone(s string) string {
	r := strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "")
	return r.Replace(s)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Group users are either plain digits or the legacy "<creator>-<ts>" form.
func isGroupUser(s string) bool {
	head, tail, found := strings.Cut(s, "-")
	if !found {
		return isDigits(s)
	}
	return isDigits(head) && isDigits(tail)
}

package relay

import (
	"strings"

	"github.com/clawinfra/wabridge/internal/types"
)

// notificationTypes are platform events that never reach the orchestrator.
var notificationTypes = map[string]bool{
	"status":                 true,
	"call_log":               true,
	"e2e_notification":       true,
	"notification_template":  true,
	"protocol":               true,
	"revoked":                true,
	"broadcast_notification": true,
}

// IsNotification reports whether msg is a status or call notification
// rather than a conversational message.
func IsNotification(msg types.PlatformMessage) bool {
	if notificationTypes[msg.Type] {
		return true
	}
	return msg.Chat == types.StatusBroadcast || strings.HasSuffix(msg.Chat, "@broadcast")
}

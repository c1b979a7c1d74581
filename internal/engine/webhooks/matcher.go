package webhooks

import "beacon/internal/platform/models"

// Matches reports whether webhook should receive an event of eventType about
// the given resource. A nil resource argument is not checked; a nil scope on
// the webhook accepts any value.
func Matches(webhook *models.Webhook, eventType string, resourceType, resourceID *string) bool {
	if !webhook.Enabled || !webhook.HasEvent(eventType) {
		return false
	}
	if resourceType != nil && webhook.ResourceType != nil && *webhook.ResourceType != *resourceType {
		return false
	}
	if resourceID != nil && webhook.ResourceID != nil && *webhook.ResourceID != *resourceID {
		return false
	}
	return true
}

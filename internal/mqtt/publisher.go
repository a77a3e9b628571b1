package mqtt

import "strings"

const clientIDPlaceholder = "{client_id}"

// DetectionTopic builds the per-device detection topic.
// A {client_id} placeholder in base is replaced, otherwise the id is appended.
func DetectionTopic(base, clientID string) string {
	if strings.Contains(base, clientIDPlaceholder) {
		return formatTopic(base, clientID)
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return clientID
	}
	return base + "/" + clientID
}

// StatusTopic returns the retained online/offline topic for the device
func StatusTopic(base, clientID string) string {
	return DetectionTopic(base, clientID) + "/status"
}

// formatTopic replaces the {client_id} placeholder with the actual id
func formatTopic(topicPattern, clientID string) string {
	return strings.ReplaceAll(topicPattern, clientIDPlaceholder, clientID)
}

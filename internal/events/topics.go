package events

import (
	"fmt"
	"strings"
)

func TopicTurn(prefix, sessionID string) string {
	return fmt.Sprintf("%s/turn/%s", prefix, sessionID)
}

func TopicFrame(prefix, sessionID string) string {
	return fmt.Sprintf("%s/frame/%s", prefix, sessionID)
}

func TopicCatalogReport(prefix string) string {
	return fmt.Sprintf("%s/catalog/report", prefix)
}

func TopicCatalogRequest(prefix, requestID string) string {
	return fmt.Sprintf("%s/catalog/request/%s", prefix, requestID)
}

func TopicCatalogResult(prefix, requestID string) string {
	return fmt.Sprintf("%s/catalog/result/%s", prefix, requestID)
}

func TopicCatalogResults(prefix string) string {
	return fmt.Sprintf("%s/catalog/result/+", prefix)
}

func parseRequestID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

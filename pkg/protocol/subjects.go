package protocol

import "fmt"

// Broker subject constants and helpers.
const (
	SubjectRegistry = "zactuator.registry"

	// ResponseStreamName is the JetStream stream holding outbound
	// responses and service notices.
	ResponseStreamName = "ZACTUATOR_RESPONSES"

	// ResponseSubjectWildcard matches every subject the response
	// stream must capture.
	ResponseSubjectWildcard = "zactuator.responses.>"
)

func SubjectResponses(identity string) string {
	return fmt.Sprintf("zactuator.responses.%s", identity)
}

// SubjectNotices carries best-effort service notices (delivery
// failures, degraded legs) outside the main response flow.
func SubjectNotices(identity string) string {
	return fmt.Sprintf("zactuator.responses.%s.notices", identity)
}

func SubjectHeartbeat(identity string) string {
	return fmt.Sprintf("zactuator.heartbeat.%s", identity)
}

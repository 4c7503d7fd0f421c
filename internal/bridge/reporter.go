package bridge

import (
	"github.com/achilleshq/sentinel/internal/enrich"
	"github.com/achilleshq/sentinel/internal/logging"
)

// Reporter forwards each scan batch to the agent as a DETECTED_SECRETS
// notification. Delivery failures are logged and swallowed: a tab that
// closed mid-send loses nothing of value, its store is cleaned up anyway.
type Reporter struct {
	bridge Bridge
	tabID  string
	logger logging.Logger
}

// NewReporter builds a reporter for one tab.
func NewReporter(b Bridge, tabID string, logger logging.Logger) *Reporter {
	if logger == nil {
		logger = logging.NewStdoutLogger("reporter")
	}
	return &Reporter{
		bridge: b,
		tabID:  tabID,
		logger: logger.With(logging.Field{Key: "component", Value: "reporter"}),
	}
}

// PublishFindings implements the scanner's sink contract.
func (r *Reporter) PublishFindings(batch []enrich.Finding) {
	m, err := NewMessage(TypeDetectedSecrets, r.tabID, DetectedSecretsPayload{Findings: batch})
	if err != nil {
		r.logger.Error("building detection report", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := r.bridge.Notify(m); err != nil {
		r.logger.Warn("reporting detections",
			logging.Field{Key: "tab", Value: r.tabID},
			logging.Field{Key: "error", Value: err.Error()})
	}
}

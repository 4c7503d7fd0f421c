// Package bridge carries messages between the page side (scanner, indicator,
// fill) and the agent. Every message is a tagged union: a type tag plus a
// payload whose shape the tag fixes. Validation happens once, at the bridge
// boundary, so handlers can assume well-formed payloads.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/achilleshq/sentinel/internal/enrich"
)

// Type tags every bridge message.
type Type string

const (
	TypeDetectedSecrets Type = "DETECTED_SECRETS"
	TypeGetDetected     Type = "GET_DETECTED"
	TypeImportSecret    Type = "IMPORT_SECRET"
	TypeGetFillSecrets  Type = "GET_FILL_SECRETS"
	TypeGetSecretValue  Type = "GET_SECRET_VALUE"
	TypeSetSecret       Type = "SET_SECRET"
	TypeDeleteSecret    Type = "DELETE_SECRET"
	TypeGetProjects     Type = "GET_PROJECTS"
	TypeGetUserPrefs    Type = "GET_USER_PREFS"
	TypeSetUserPrefs    Type = "SET_USER_PREFS"
	TypeHealthCheck     Type = "HEALTH_CHECK"
)

// Message is one bridge message. TabID identifies the originating page view;
// messages from popup-style callers that act on the caller's own tab carry
// it too.
type Message struct {
	Type    Type            `json:"type"`
	TabID   string          `json:"tab_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply to a request message. Exactly one of Data and Error
// is meaningful.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals a response's data into v.
func (r *Response) DecodeData(v any) error {
	if !r.OK {
		return fmt.Errorf("bridge: response error: %s", r.Error)
	}
	return json.Unmarshal(r.Data, v)
}

// --- payloads ---

// DetectedSecretsPayload announces newly found secrets on a tab.
type DetectedSecretsPayload struct {
	Findings []enrich.Finding `json:"findings"`
}

// ImportSecretPayload asks the agent to store one finding in the vault.
// ProjectID and Env may be empty; the agent falls back to the user's last
// used project and environment.
type ImportSecretPayload struct {
	Finding   enrich.Finding `json:"finding"`
	ProjectID string         `json:"project_id,omitempty"`
	Env       string         `json:"env,omitempty"`
	Key       string         `json:"key,omitempty"`
}

// SecretRefPayload addresses one stored secret.
type SecretRefPayload struct {
	ProjectID string `json:"project_id"`
	Env       string `json:"env"`
	Key       string `json:"key"`
}

// SetSecretPayload writes one secret.
type SetSecretPayload struct {
	ProjectID   string   `json:"project_id"`
	Env         string   `json:"env"`
	Key         string   `json:"key"`
	Value       string   `json:"value"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// UserPrefsPayload carries the user's sticky choices.
type UserPrefsPayload struct {
	LastProjectID string `json:"last_project_id,omitempty"`
	LastEnv       string `json:"last_env,omitempty"`
}

// --- response data ---

// FillSecret is one entry of the cross-project fill index.
type FillSecret struct {
	Key         string `json:"key"`
	Env         string `json:"env"`
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
}

// FillSecretsData answers GET_FILL_SECRETS.
type FillSecretsData struct {
	Secrets []FillSecret `json:"secrets"`
}

// SecretValueData answers GET_SECRET_VALUE.
type SecretValueData struct {
	Value string `json:"value"`
}

// DetectedData answers GET_DETECTED.
type DetectedData struct {
	Findings []enrich.Finding `json:"findings"`
	Count    int              `json:"count"`
}

// ImportResultData answers IMPORT_SECRET and SET_SECRET, echoing what was
// actually stored after normalization so the caller can show it.
type ImportResultData struct {
	ProjectID   string   `json:"project_id"`
	Env         string   `json:"env"`
	Key         string   `json:"key"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

// requiredFields lists, per type, the payload fields that must be present
// and non-empty. Types absent from the map accept an empty payload.
var requiredFields = map[Type][]string{
	TypeDetectedSecrets: {"findings"},
	TypeImportSecret:    {"finding"},
	TypeGetSecretValue:  {"project_id", "env", "key"},
	TypeSetSecret:       {"project_id", "env", "key", "value"},
	TypeDeleteSecret:    {"project_id", "env", "key"},
}

// knownTypes is the closed set of message tags the bridge accepts.
var knownTypes = map[Type]bool{
	TypeDetectedSecrets: true,
	TypeGetDetected:     true,
	TypeImportSecret:    true,
	TypeGetFillSecrets:  true,
	TypeGetSecretValue:  true,
	TypeSetSecret:       true,
	TypeDeleteSecret:    true,
	TypeGetProjects:     true,
	TypeGetUserPrefs:    true,
	TypeSetUserPrefs:    true,
	TypeHealthCheck:     true,
}

// Validate checks the message at the bridge boundary: known type tag, and
// every required payload field present and non-empty. Unknown extra fields
// pass through untouched.
func Validate(m Message) error {
	if !knownTypes[m.Type] {
		return fmt.Errorf("bridge: unknown message type %q", m.Type)
	}
	required := requiredFields[m.Type]
	if len(required) == 0 {
		return nil
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("bridge: %s: missing payload", m.Type)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return fmt.Errorf("bridge: %s: malformed payload: %w", m.Type, err)
	}
	for _, key := range required {
		raw, ok := fields[key]
		if !ok || emptyJSON(raw) {
			return fmt.Errorf("bridge: %s: missing field %q", m.Type, key)
		}
	}
	return nil
}

func emptyJSON(raw json.RawMessage) bool {
	s := string(raw)
	return s == "" || s == "null" || s == `""` || s == "[]" || s == "{}"
}

// NewMessage builds a message with a marshalled payload.
func NewMessage(t Type, tabID string, payload any) (Message, error) {
	m := Message{Type: t, TabID: tabID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("bridge: marshalling %s payload: %w", t, err)
		}
		m.Payload = raw
	}
	return m, nil
}

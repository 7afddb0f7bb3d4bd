package envelope

// Health reports an adapter's readiness.
type Health string

const (
	HealthReady    Health = "READY"
	HealthDegraded Health = "DEGRADED"
	HealthFailed   Health = "FAILED"
)

// AgentState is the serializable snapshot of an agent's in-memory state.
// The runtime treats Data as opaque; its canonical hash is the determinism
// oracle for replay verification.
type AgentState struct {
	Version              int64            `json:"version"`
	EntityVersions       map[string]int64 `json:"entity_versions"`
	Data                 map[string]any   `json:"data"`
	LastProcessedEventID string           `json:"last_processed_event_id"`
	UpdatedAt            int64            `json:"updated_at"`
}

// canonicalMap flattens the state into plain JSON values for hashing.
func (s AgentState) canonicalMap() map[string]any {
	versions := map[string]any{}
	for k, v := range s.EntityVersions {
		versions[k] = v
	}
	return map[string]any{
		"version":                 s.Version,
		"entity_versions":         versions,
		"data":                    payloadOrEmpty(s.Data),
		"last_processed_event_id": s.LastProcessedEventID,
		"updated_at":              s.UpdatedAt,
	}
}

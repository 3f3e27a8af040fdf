// ABOUTME: Wire shapes delivered to agents: pub/sub and direct-message envelopes
// ABOUTME: Also names the reserved lifecycle and collaboration topics.

package bus

import "time"

// Reserved topics. These are ordinary topics with conventionally agreed
// names; nothing stops an agent from subscribing to or publishing on them.
const (
	LifecycleTopic     = "agent_lifecycle"
	CollaborationTopic = "collaboration_request"
)

// SystemSender is the sender id stamped on envelopes the bus produces itself.
const SystemSender = "system"

// Lifecycle event names carried on LifecycleTopic.
const (
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
)

// TypeDirectMessage tags envelopes produced by DirectMessage so recipients
// can tell them apart from topic broadcasts.
const TypeDirectMessage = "direct_message"

// Envelope is the unit pushed to a recipient connection.
//
// Pub/sub envelopes carry Topic and leave Type empty:
//
//	{"topic": "...", "sender": "...", "data": {...}, "timestamp": "..."}
//
// Direct envelopes carry Type and leave Topic empty:
//
//	{"type": "direct_message", "sender": "...", "data": {...}, "timestamp": "..."}
type Envelope struct {
	Type      string         `json:"type,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Sender    string         `json:"sender"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsDirect reports whether the envelope was produced by DirectMessage.
func (e *Envelope) IsDirect() bool {
	return e.Type == TypeDirectMessage
}

// AgentInfo is a point-in-time view of a registered agent.
type AgentInfo struct {
	ID           string    `json:"agent_id"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"-"`
}

// payloadOrEmpty keeps "data" a JSON object even when callers pass nil.
func payloadOrEmpty(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

// Package bus implements the agent message bus: a topic-based publish/subscribe
// broker for agents connected over persistent bidirectional connections.
//
// # Components
//
//   - Connection registry: Register, Unregister, ListAgents, GetAgent, IsOnline
//   - Subscription index: Subscribe, Unsubscribe, SubscribersOf, TopicsOf
//   - Delivery engine: Publish (best-effort fan-out, sender never receives its own broadcast)
//   - Direct messaging: DirectMessage (single targeted send, failures returned)
//   - Collaboration: RequestCollaboration (capability lookup + broadcast on CollaborationTopic)
//
// The bus is transport-agnostic. Agents are reached through the Conn
// interface; the gateway package supplies a websocket implementation.
//
// # Lifecycle Notifications
//
// Register and Unregister publish on LifecycleTopic with sender "system":
//
//	{"event": "agent_connected", "agent_id": "a1", "capabilities": ["search"]}
//	{"event": "agent_disconnected", "agent_id": "a1"}
//
// The agent being described never receives its own notification.
//
// # Topics
//
// A topic exists as soon as someone subscribes to it. There is no create or
// delete call; publishing to a topic without subscribers does nothing.
// LifecycleTopic and CollaborationTopic are naming conventions, not a
// protected namespace.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The registry and the subscription
// index share one RWMutex so that updates touching both (Unregister) are
// atomic with respect to delivery snapshots. Sends never happen while the
// lock is held.
package bus

// ABOUTME: Subscription index mapping topic names to subscribed agent ids
// ABOUTME: Topics exist implicitly; an empty subscriber set is inert

package bus

import "sort"

// Subscribe adds agentID to each named topic. Repeated subscriptions are
// no-ops and empty topic names are ignored. Registration is not checked: a
// subscribe racing slightly ahead of Register is tolerated, and Unregister
// clears it either way.
func (b *Bus) Subscribe(agentID string, topics []string) {
	if agentID == "" || len(topics) == 0 {
		return
	}

	b.mu.Lock()
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subs, ok := b.topics[topic]
		if !ok {
			subs = make(map[string]struct{})
			b.topics[topic] = subs
		}
		subs[agentID] = struct{}{}
	}
	b.mu.Unlock()

	b.logger.Debug("agent subscribed", "agent_id", agentID, "topics", topics)
}

// Unsubscribe removes agentID from each named topic it belongs to. A topic
// left with no subscribers stays in the index but receives nothing.
func (b *Bus) Unsubscribe(agentID string, topics []string) {
	if agentID == "" || len(topics) == 0 {
		return
	}

	b.mu.Lock()
	for _, topic := range topics {
		if subs, ok := b.topics[topic]; ok {
			delete(subs, agentID)
		}
	}
	b.mu.Unlock()

	b.logger.Debug("agent unsubscribed", "agent_id", agentID, "topics", topics)
}

// SubscribersOf returns the sorted subscriber ids of topic, or an empty
// slice for a topic nobody has subscribed to.
func (b *Bus) SubscribersOf(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.topics[topic]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopicsOf returns the sorted topics agentID is subscribed to.
func (b *Bus) TopicsOf(agentID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0)
	for topic, subs := range b.topics {
		if _, ok := subs[agentID]; ok {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

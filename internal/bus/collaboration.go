// ABOUTME: Capability-based collaboration requests broadcast on a reserved topic
// ABOUTME: Fire-and-forget: returns a summary, never waits for replies

package bus

import (
	"context"
	"slices"
	"sort"
)

// Collaboration outcome statuses.
const (
	StatusBroadcastSent   = "broadcast_sent"
	StatusNoCapableAgents = "no_capable_agents"
)

// CollaborationResult summarises a collaboration request.
type CollaborationResult struct {
	Status       string   `json:"status"`
	Capability   string   `json:"capability"`
	TargetAgents []string `json:"target_agents"`
	Count        int      `json:"count"`
}

// RequestCollaboration finds every connected agent other than the requester
// that declares capability and, if there is at least one, publishes a request
// on CollaborationTopic naming them. Finding nobody is a normal outcome and
// publishes nothing. Replies are left to the agents themselves.
func (b *Bus) RequestCollaboration(ctx context.Context, requesterID, capability string, collabContext map[string]any) CollaborationResult {
	targets := b.findCapable(capability, requesterID)

	result := CollaborationResult{
		Capability:   capability,
		TargetAgents: targets,
		Count:        len(targets),
	}

	if len(targets) == 0 {
		result.Status = StatusNoCapableAgents
		b.metrics.CollaborationRequested(ctx, result.Status)
		return result
	}

	b.publish(ctx, CollaborationTopic, map[string]any{
		"capability":    capability,
		"context":       payloadOrEmpty(collabContext),
		"requester":     requesterID,
		"target_agents": slices.Clone(targets),
	}, requesterID, requesterID)

	result.Status = StatusBroadcastSent
	b.metrics.CollaborationRequested(ctx, result.Status)
	b.logger.Info("collaboration requested",
		"requester", requesterID,
		"capability", capability,
		"targets", len(targets),
	)
	return result
}

// findCapable returns the sorted ids of agents declaring capability, skipping excludeID.
func (b *Bus) findCapable(capability, excludeID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0)
	for id, entry := range b.agents {
		if id == excludeID {
			continue
		}
		if slices.Contains(entry.capabilities, capability) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ABOUTME: Delivery engine: best-effort fan-out of one envelope to a topic's subscribers
// ABOUTME: Per-recipient send failures are logged and never abort the broadcast

package bus

import (
	"context"
	"fmt"
	"sync"
)

// recipient pairs a subscriber id with the connection captured under the lock.
type recipient struct {
	id   string
	conn Conn
}

// Publish delivers data on topic to every current subscriber except the
// sender itself and returns how many sends succeeded. A topic with no
// subscribers is a valid no-op. Delivery is at most once per recipient, with
// no ordering between recipients and no retry.
func (b *Bus) Publish(ctx context.Context, topic string, data map[string]any, senderID string) int {
	return b.publish(ctx, topic, data, senderID, senderID)
}

// publish is Publish with an explicit id to skip. Lifecycle notifications
// are sent by SystemSender but must skip the agent they describe.
func (b *Bus) publish(ctx context.Context, topic string, data map[string]any, senderID, excludeID string) int {
	targets := b.resolveRecipients(topic, excludeID)
	b.metrics.Published(ctx, topic, len(targets))
	if len(targets) == 0 {
		return 0
	}

	// One envelope, one timestamp for the whole broadcast.
	env := &Envelope{
		Topic:     topic,
		Sender:    senderID,
		Data:      payloadOrEmpty(data),
		Timestamp: b.now().UTC(),
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.send(target, env)
		}()
	}
	wg.Wait()

	delivered := 0
	for i, err := range errs {
		b.metrics.Delivered(ctx, KindBroadcast, err)
		if err != nil {
			b.logger.Warn("delivery failed",
				"agent_id", targets[i].id,
				"topic", topic,
				"sender", senderID,
				"error", err,
			)
			continue
		}
		delivered++
	}

	b.logger.Debug("published",
		"topic", topic,
		"sender", senderID,
		"recipients", len(targets),
		"delivered", delivered,
	)
	return delivered
}

// resolveRecipients snapshots the live connections subscribed to topic.
// Registry and index are read under the same lock, so a removed agent can
// never appear here.
func (b *Bus) resolveRecipients(topic, excludeID string) []recipient {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.topics[topic]
	if len(subs) == 0 {
		return nil
	}

	targets := make([]recipient, 0, len(subs))
	for id := range subs {
		if id == excludeID {
			continue
		}
		entry, ok := b.agents[id]
		if !ok {
			continue
		}
		targets = append(targets, recipient{id: id, conn: entry.conn})
	}
	return targets
}

// send pushes env through one connection, turning a panicking transport into
// an ordinary error.
func (b *Bus) send(target recipient, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic sending to %s: %v", target.id, r)
		}
	}()
	return target.conn.SendJSON(env)
}

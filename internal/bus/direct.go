// ABOUTME: Point-to-point delivery that bypasses subscriptions
// ABOUTME: Unlike broadcast, a failed send is returned to the caller

package bus

import (
	"context"
	"fmt"
)

// DirectMessage sends data to a single connected agent. It fails with
// ErrRecipientNotFound when recipientID is not registered, and with
// ErrDeliveryFailed when the one send attempt fails.
func (b *Bus) DirectMessage(ctx context.Context, senderID, recipientID string, data map[string]any) error {
	b.mu.RLock()
	entry, ok := b.agents[recipientID]
	var conn Conn
	if ok {
		conn = entry.conn
	}
	b.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrRecipientNotFound, recipientID)
		b.metrics.Delivered(ctx, KindDirect, err)
		return err
	}

	env := &Envelope{
		Type:      TypeDirectMessage,
		Sender:    senderID,
		Data:      payloadOrEmpty(data),
		Timestamp: b.now().UTC(),
	}

	if err := b.send(recipient{id: recipientID, conn: conn}, env); err != nil {
		b.logger.Warn("direct message failed",
			"sender", senderID,
			"recipient", recipientID,
			"error", err,
		)
		err = fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, recipientID, err)
		b.metrics.Delivered(ctx, KindDirect, err)
		return err
	}

	b.metrics.Delivered(ctx, KindDirect, nil)
	b.logger.Debug("direct message sent", "sender", senderID, "recipient", recipientID)
	return nil
}

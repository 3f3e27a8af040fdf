// ABOUTME: Control protocol spoken by agents over their websocket connection
// ABOUTME: Inbound action messages, outbound acknowledgements, and decoding errors

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/2389/agentbus/internal/bus"
)

// Control actions an agent may send.
const (
	ActionSubscribe            = "subscribe"
	ActionUnsubscribe          = "unsubscribe"
	ActionPublish              = "publish"
	ActionRequestCollaboration = "request_collaboration"
	ActionDirectMessage        = "direct_message"
	ActionGetAgents            = "get_agents"
	ActionGetSubscriptions     = "get_subscriptions"
)

// Acknowledgement statuses.
const (
	StatusSubscribed             = "subscribed"
	StatusUnsubscribed           = "unsubscribed"
	StatusPublished              = "published"
	StatusCollaborationRequested = "collaboration_requested"
	StatusMessageSent            = "message_sent"
	StatusOK                     = "ok"
	StatusError                  = "error"
)

// Protocol errors.
var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownAction    = errors.New("unknown action")
	ErrMissingField     = errors.New("missing required field")
)

// ControlMessage is one inbound frame. Which fields apply depends on Action.
type ControlMessage struct {
	Action     string         `json:"action"`
	Topics     []string       `json:"topics,omitempty"`
	Topic      string         `json:"topic,omitempty"`
	Message    map[string]any `json:"message,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Recipient  string         `json:"recipient,omitempty"`

	// ID is an optional client message id. A repeated publish or
	// direct_message with the same id is acknowledged but not re-delivered.
	ID string `json:"id,omitempty"`
}

// Ack is the single reply sent for every inbound frame.
type Ack struct {
	Status    string                   `json:"status"`
	Topics    []string                 `json:"topics,omitzero"`
	Topic     string                   `json:"topic,omitempty"`
	Recipient string                   `json:"recipient,omitempty"`
	Result    *bus.CollaborationResult `json:"result,omitempty"`
	Agents    []bus.AgentInfo          `json:"agents,omitzero"`
	Message   string                   `json:"message,omitempty"`
	ID        string                   `json:"id,omitempty"`
	Duplicate bool                     `json:"duplicate,omitempty"`
}

// decodeControlMessage parses a raw frame. Anything that is not a single
// JSON object matching ControlMessage is ErrMalformedRequest.
func decodeControlMessage(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := decodePayloadJSON(bytes.NewReader(data), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return &msg, nil
}

// decodePayloadJSON decodes exactly one JSON value from r into v. Numbers
// inside payload maps stay json.Number so they are forwarded as written.
func decodePayloadJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected data after JSON value")
		}
		return err
	}
	return nil
}

// errorAck renders err for the agent. Malformed frames and unknown actions
// use the fixed wording agents match on.
func errorAck(action string, err error) Ack {
	var message string
	switch {
	case errors.Is(err, ErrMalformedRequest):
		message = "Invalid JSON"
	case errors.Is(err, ErrUnknownAction):
		message = "Unknown action: " + action
	default:
		message = err.Error()
	}
	return Ack{Status: StatusError, Message: message}
}

// nonNil keeps echoed lists present in acks even when empty.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

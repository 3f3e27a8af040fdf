// ABOUTME: Minimal fake agent for E2E testing: connects over websocket, echoes direct messages.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080] [-id echo-agent] [-capabilities echo] [-topics news]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agentbus/internal/bus"
	"github.com/2389/agentbus/internal/gateway"
)

func main() {
	baseURL := flag.String("url", "ws://localhost:8080", "bus websocket base URL")
	agentID := flag.String("id", "e2e-echo-agent", "Agent ID")
	capabilities := flag.String("capabilities", "echo", "comma-separated capabilities")
	topics := flag.String("topics", "", "comma-separated topics to subscribe to")
	token := flag.String("token", os.Getenv("AGENTBUS_TOKEN"), "bearer token when the bus requires auth")
	flag.Parse()

	if err := run(*baseURL, *agentID, splitList(*capabilities), splitList(*topics), *token); err != nil {
		log.Fatal(err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(baseURL, agentID string, capabilities, topics []string, token string) error {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws/agents/" + url.PathEscape(agentID))
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if len(capabilities) > 0 {
		u.RawQuery = url.Values{"capabilities": {strings.Join(capabilities, ",")}}.Encode()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	_ = resp.Body.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
	}()

	fmt.Fprintf(os.Stderr, "connected as %s (capabilities: %s)\n", agentID, strings.Join(capabilities, ","))

	// Collaboration requests arrive as topic messages, so always listen there.
	subscribe := append([]string{bus.CollaborationTopic}, topics...)
	if err := conn.WriteJSON(gateway.ControlMessage{Action: gateway.ActionSubscribe, Topics: subscribe}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		// Acks carry a status; everything else is a delivered envelope.
		var ack gateway.Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			log.Printf("skipping undecodable frame: %v", err)
			continue
		}
		if ack.Status != "" {
			if ack.Status == gateway.StatusError {
				log.Printf("error ack: %s", ack.Message)
			}
			continue
		}

		// Keep payload numbers as written so echoes return them unchanged.
		var env bus.Envelope
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&env); err != nil {
			log.Printf("skipping undecodable envelope: %v", err)
			continue
		}
		if reply := respond(agentID, capabilities, &env); reply != nil {
			if err := conn.WriteJSON(reply); err != nil {
				return fmt.Errorf("send error: %w", err)
			}
		}
	}
}

// respond decides the reply to a delivered envelope, nil for none. Direct
// messages are echoed to their sender; collaboration requests naming this
// agent are accepted with a direct message to the requester.
func respond(agentID string, capabilities []string, env *bus.Envelope) *gateway.ControlMessage {
	switch {
	case env.IsDirect():
		// Never echo an echo, so two fake agents cannot loop.
		if echoed, _ := env.Data["echo"].(bool); echoed {
			return nil
		}
		log.Printf("direct message from %s: %v", env.Sender, env.Data)
		return &gateway.ControlMessage{
			Action:    gateway.ActionDirectMessage,
			Recipient: env.Sender,
			Message:   map[string]any{"echo": true, "original": env.Data},
		}

	case env.Topic == bus.CollaborationTopic:
		capability, _ := env.Data["capability"].(string)
		requester, _ := env.Data["requester"].(string)
		if requester == "" || requester == agentID || !slices.Contains(capabilities, capability) {
			return nil
		}
		log.Printf("collaboration request from %s for %q", requester, capability)
		return &gateway.ControlMessage{
			Action:    gateway.ActionDirectMessage,
			Recipient: requester,
			Message: map[string]any{
				"echo":       true,
				"accepted":   true,
				"capability": capability,
				"agent_id":   agentID,
			},
		}

	default:
		log.Printf("[%s] %s: %v", env.Topic, env.Sender, env.Data)
		return nil
	}
}

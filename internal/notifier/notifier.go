// Package notifier dispatches human-readable alerts on connection
// lifecycle events and on selected OCPP message events. It is a pure
// event sink: every method swallows its own errors after logging them,
// since a delivery failure must never affect the message-routing path.
package notifier

import (
	"encoding/json"
	"fmt"

	"github.com/carlosrabelo/ocppproxy/internal/metrics"
	"github.com/carlosrabelo/ocppproxy/internal/ocpp"
	"github.com/carlosrabelo/ocppproxy/pkg/logger"
)

// Events selects which event kinds raise an alert.
type Events struct {
	ConnectedToProxy         bool `json:"connectedToProxy"`
	DisconnectedFromProxy    bool `json:"disconnectedFromProxy"`
	ConnectedToUpstream      bool `json:"connectedToUpstream"`
	DisconnectedFromUpstream bool `json:"disconnectedFromUpstream"`
	StatusNotification       bool `json:"statusNotification"`
	StartTransaction         bool `json:"startTransaction"`
	StopTransaction          bool `json:"stopTransaction"`
}

// Config is the notify section of the proxy configuration.
type Config struct {
	Events
	Email    *EmailConfig    `json:"email,omitempty"`
	Pushover *PushoverConfig `json:"pushover,omitempty"`
}

// channel is a delivery backend. Both EmailChannel and PushoverChannel
// implement it.
type channel interface {
	send(subject, body string) error
}

// Notifier fans an alert out to whichever channels are configured.
type Notifier struct {
	events   Events
	channels []channel
	metrics  *metrics.Collector
}

// New builds a Notifier from configuration. A zero-value cfg
// yields a Notifier with no channels, whose hooks are all no-ops.
func New(cfg Config, m *metrics.Collector) *Notifier {
	n := &Notifier{events: cfg.Events, metrics: m}
	if cfg.Email != nil {
		n.channels = append(n.channels, NewEmailChannel(*cfg.Email))
	}
	if cfg.Pushover != nil {
		n.channels = append(n.channels, NewPushoverChannel(*cfg.Pushover))
	}
	return n
}

func (n *Notifier) dispatch(subject, body string) {
	for _, ch := range n.channels {
		if err := ch.send(subject, body); err != nil {
			logger.Error("notifier: delivery failed: %v", err)
			if n.metrics != nil {
				n.metrics.NotificationErrors.Add(1)
			}
			continue
		}
		if n.metrics != nil {
			n.metrics.NotificationsSent.Add(1)
		}
	}
}

// ConnectedToProxy fires when a client completes the WebSocket upgrade.
func (n *Notifier) ConnectedToProxy(clientID string) {
	if !n.events.ConnectedToProxy {
		return
	}
	n.dispatch("Client connected", fmt.Sprintf("%s connected to the proxy.", clientID))
}

// DisconnectedFromProxy fires when a client's session tears down.
func (n *Notifier) DisconnectedFromProxy(clientID string) {
	if !n.events.DisconnectedFromProxy {
		return
	}
	n.dispatch("Client disconnected", fmt.Sprintf("%s disconnected from the proxy.", clientID))
}

// ConnectedToUpstream fires when an upstream link for a session opens.
func (n *Notifier) ConnectedToUpstream(clientID, name string) {
	if !n.events.ConnectedToUpstream {
		return
	}
	n.dispatch("Upstream connected", fmt.Sprintf("%s: link to %s is up.", clientID, name))
}

// DisconnectedFromUpstream fires when an upstream link for a session closes.
func (n *Notifier) DisconnectedFromUpstream(clientID, name string) {
	if !n.events.DisconnectedFromUpstream {
		return
	}
	n.dispatch("Upstream disconnected", fmt.Sprintf("%s: link to %s went down.", clientID, name))
}

// CallFromClient is invoked for every client CALL, before fan-out. It
// decodes StatusNotification/StartTransaction/StopTransaction bodies
// and raises an alert if the corresponding flag is enabled.
func (n *Notifier) CallFromClient(clientID string, msg *ocpp.Message) {
	if !msg.IsCall() {
		return
	}
	switch msg.Action {
	case "StatusNotification":
		if !n.events.StatusNotification {
			return
		}
		var body statusNotificationPayload
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			logger.Error("notifier: malformed StatusNotification payload from %s: %v", clientID, err)
			return
		}
		n.dispatch("Status notification",
			fmt.Sprintf("%s: connector %d is now %s.", clientID, body.ConnectorID, body.Status))
	case "StartTransaction":
		if !n.events.StartTransaction {
			return
		}
		var body startTransactionPayload
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			logger.Error("notifier: malformed StartTransaction payload from %s: %v", clientID, err)
			return
		}
		n.dispatch("Transaction started",
			fmt.Sprintf("%s: transaction started on connector %d.", clientID, body.ConnectorID))
	case "StopTransaction":
		if !n.events.StopTransaction {
			return
		}
		var body stopTransactionPayload
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			logger.Error("notifier: malformed StopTransaction payload from %s: %v", clientID, err)
			return
		}
		n.dispatch("Transaction stopped",
			fmt.Sprintf("%s: transaction %d stopped.", clientID, body.TransactionID))
	}
}

type statusNotificationPayload struct {
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
}

type startTransactionPayload struct {
	ConnectorID int `json:"connectorId"`
}

type stopTransactionPayload struct {
	TransactionID int `json:"transactionId"`
}

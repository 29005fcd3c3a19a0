package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

const (
	StreamName     = "TRANSIT"
	SubjectAlerts  = "transit.alerts"
	SubjectCycles  = "transit.cycles"
	streamSubjects = "transit.>"
)

// Client publishes derived telemetry to JetStream
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a new NATS client
func New(url string) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("transit-telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Create stream if it doesn't exist
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{streamSubjects},
		Storage:    nats.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return &Client{
		conn: nc,
		js:   js,
	}, nil
}

// NewWithJetStream wraps an existing JetStream context (useful for testing)
func NewWithJetStream(js nats.JetStreamContext) *Client {
	return &Client{js: js}
}

// PublishAlerts publishes one message per alert and returns how many were
// accepted. Publication stops at the first failure.
func (c *Client) PublishAlerts(cycleID string, alerts []types.Alert) (int, error) {
	for i := range alerts {
		data, err := json.Marshal(&alerts[i])
		if err != nil {
			return i, fmt.Errorf("failed to marshal alert: %w", err)
		}
		msgID := fmt.Sprintf("%s-alert-%d", cycleID, i)
		if _, err := c.js.Publish(SubjectAlerts, data, nats.MsgId(msgID)); err != nil {
			return i, fmt.Errorf("failed to publish alert: %w", err)
		}
	}
	return len(alerts), nil
}

// PublishCycle publishes the summary of a finished cycle
func (c *Client) PublishCycle(summary *types.CycleSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle summary: %w", err)
	}

	if _, err := c.js.Publish(SubjectCycles, data, nats.MsgId(summary.CycleID)); err != nil {
		return fmt.Errorf("failed to publish cycle summary: %w", err)
	}
	return nil
}

// SubscribeAlerts delivers published alerts to handler
func (c *Client) SubscribeAlerts(handler func(*types.Alert)) (*nats.Subscription, error) {
	sub, err := c.js.Subscribe(SubjectAlerts, func(msg *nats.Msg) {
		var alert types.Alert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			log.Printf("Warning: failed to unmarshal alert: %v", err)
			return
		}
		handler(&alert)
	}, nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return sub, nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

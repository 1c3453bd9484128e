package echemclient

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voltlab/echem-host/internal/infrastructure/config"
	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// Logger defines the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// transport is the slice of the MQTT client the library uses. Narrowed to
// an interface so the protocol logic is testable without a live broker.
type transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	ClientID() string
	DefaultQoS() byte
	Close() error
}

// Client is a workflow-side connection to the instrument host.
//
// Thread Safety: all methods are safe for concurrent use, but at most one
// Acquire may be pending per channel at a time.
type Client struct {
	tr       transport
	topics   mqtt.Topics
	clientID string
	qos      byte
	logger   Logger

	mu       sync.Mutex
	channels map[string]*channelSub
	invokes  map[string]*invokeSub
	devices  map[string]protocol.DeviceSnapshot
	tracking bool

	// down is closed while the host is offline and swapped for an open
	// channel when it comes back. Waits select on it to fail fast.
	presenceMu sync.Mutex
	down       chan struct{}
	hostDown   bool
}

// channelSub is the per-channel reservation state: the pending acquire (if
// any) and the live reservation (if any). The grant topic is shared per
// channel, so both feed from the same handler.
type channelSub struct {
	mu     sync.Mutex
	waiter chan protocol.Grant
	res    *Reservation
}

// Connect establishes the client's MQTT session.
//
// The session's Last Will is set on this client's status topic, so the host
// releases every channel the client holds if the process dies without
// cleaning up.
//
// Parameters:
//   - cfg: MQTT configuration; Broker.ClientID identifies this workflow
//
// Returns:
//   - *Client: Connected client
//   - error: If the connection fails
func Connect(cfg config.MQTTConfig) (*Client, error) {
	statusTopic := mqtt.Topics{}.ClientStatus(cfg.Broker.ClientID)
	tr, err := mqtt.ConnectWithStatus(cfg, statusTopic)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	c, err := newClient(tr)
	if err != nil {
		tr.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	return c, nil
}

// newClient wires the client over an established transport.
func newClient(tr transport) (*Client, error) {
	c := &Client{
		tr:       tr,
		clientID: tr.ClientID(),
		qos:      tr.DefaultQoS(),
		logger:   noopLogger{},
		channels: make(map[string]*channelSub),
		invokes:  make(map[string]*invokeSub),
		devices:  make(map[string]protocol.DeviceSnapshot),
		down:     make(chan struct{}),
	}

	// Host presence: the retained status message arrives immediately after
	// subscribing, so a dead host is detected before the first acquire.
	if err := tr.Subscribe(c.topics.SystemStatus(), c.qos, c.handleHostStatus); err != nil {
		return nil, fmt.Errorf("subscribing to host status: %w", err)
	}
	return c, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// ClientID returns this workflow's client identifier.
func (c *Client) ClientID() string {
	return c.clientID
}

// Close releases every reservation this client still holds, then closes
// the MQTT session (publishing the graceful offline status).
func (c *Client) Close() error {
	c.mu.Lock()
	subs := make([]*channelSub, 0, len(c.channels))
	for _, sub := range c.channels {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		res := sub.res
		sub.mu.Unlock()
		if res != nil {
			if err := res.Release(); err != nil {
				c.logger.Warn("releasing reservation on close failed", "error", err)
			}
		}
	}

	return c.tr.Close()
}

// =============================================================================
// Host presence
// =============================================================================

// handleHostStatus processes the host's retained online/offline status.
func (c *Client) handleHostStatus(_ string, payload []byte) error {
	var status protocol.ClientStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		c.logger.Warn("malformed host status", "error", err)
		return nil
	}

	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	if status.Online() {
		if c.hostDown {
			c.hostDown = false
			c.down = make(chan struct{})
			c.logger.Info("instrument host online")
		}
		return nil
	}

	if !c.hostDown {
		c.hostDown = true
		close(c.down)
		c.logger.Warn("instrument host offline", "reason", status.Reason)
	}
	return nil
}

// hostDownChan returns the channel that is closed while the host is offline.
func (c *Client) hostDownChan() <-chan struct{} {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	if c.hostDown {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.down
}

// HostOnline reports the last-known host presence.
func (c *Client) HostOnline() bool {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	return !c.hostDown
}

// =============================================================================
// Grant handling
// =============================================================================

// channelSubFor returns the per-channel state, subscribing to the channel's
// grant topic on first use.
func (c *Client) channelSubFor(channelID string) (*channelSub, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.channels[channelID]; ok {
		return sub, nil
	}

	topic := c.topics.ReserveGrant(channelID)
	if err := c.tr.Subscribe(topic, c.qos, c.handleGrant); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	sub := &channelSub{}
	c.channels[channelID] = sub
	return sub, nil
}

// handleGrant processes one message from a channel's grant topic.
func (c *Client) handleGrant(topic string, payload []byte) error {
	channelID, ok := mqtt.ChannelFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected grant topic %q", topic)
	}

	var g protocol.Grant
	if err := json.Unmarshal(payload, &g); err != nil {
		c.logger.Warn("malformed grant", "channel", channelID, "error", err)
		return nil
	}
	if g.ClientID != c.clientID {
		return nil // grant topic is shared per channel
	}

	c.mu.Lock()
	sub := c.channels[channelID]
	c.mu.Unlock()
	if sub == nil {
		return nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	switch g.Result {
	case protocol.ResultRenewed:
		if sub.res != nil && sub.res.leaseID == g.LeaseID {
			sub.res.updateDeadline(g.Deadline)
		}
		return nil

	case protocol.ResultRevoked:
		if sub.res != nil && (g.LeaseID == "" || g.LeaseID == sub.res.leaseID) {
			res := sub.res
			sub.res = nil
			res.revoke(revocationError(g.ErrorCode))
		}
		return nil

	case protocol.ResultGranted:
		if sub.waiter != nil {
			sub.waiter <- g
			return nil
		}
		if sub.res != nil && sub.res.leaseID == g.LeaseID {
			return nil // redelivered grant for the reservation we hold
		}
		// Granted after the acquire was abandoned: release straight away
		// so the queue keeps moving.
		c.logger.Info("releasing unwanted grant", "channel", channelID)
		c.publishRelease(channelID, g.LeaseID)
		return nil

	case protocol.ResultQueued, protocol.ResultDenied:
		if sub.waiter != nil {
			sub.waiter <- g
		}
		return nil

	default:
		c.logger.Warn("grant with unknown result", "channel", channelID, "result", g.Result)
		return nil
	}
}

// revocationError maps a revocation code to the client-facing error.
func revocationError(code string) error {
	switch code {
	case protocol.CodeLeaseExpired:
		return ErrLeaseExpired
	case protocol.CodeShutdown:
		return fmt.Errorf("%w: host shutting down", ErrRevoked)
	default:
		return fmt.Errorf("%w: %s", ErrRevoked, code)
	}
}

// publishRelease publishes a release message for a channel.
func (c *Client) publishRelease(channelID, leaseID string) {
	payload, err := json.Marshal(protocol.ReleaseRequest{
		ClientID: c.clientID,
		LeaseID:  leaseID,
	})
	if err != nil {
		c.logger.Error("encoding release failed", "channel", channelID, "error", err)
		return
	}
	if err := c.tr.Publish(c.topics.ReserveRelease(channelID), payload, c.qos, false); err != nil {
		c.logger.Error("publishing release failed", "channel", channelID, "error", err)
	}
}

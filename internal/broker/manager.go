package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voltlab/echem-host/internal/protocol"
)

// Publisher is the outbound side of the reservation protocol. The manager
// publishes grant/denial/revocation notifications and retained channel
// state through it; the MQTT-backed implementation lives in publisher.go.
type Publisher interface {
	// PublishGrant sends a grant-topic message for the channel named in g.
	PublishGrant(g protocol.Grant) error

	// PublishChannelState publishes the retained channel state snapshot.
	PublishChannelState(snap protocol.ChannelSnapshot) error
}

// Manager is the reservation manager: it owns all channel state mutation,
// enforces mutual exclusion per channel, queues contenders FIFO, and
// reclaims expired or abandoned reservations.
//
// Thread Safety: all methods are safe for concurrent use. Operations on
// one channel are serialized by that channel's mutex; operations on
// different channels proceed in parallel.
type Manager struct {
	registry      *Registry
	pub           Publisher
	defaultLease  time.Duration
	sweepInterval time.Duration
	logger        Logger

	// onReclaim is invoked whenever a Running channel is vacated by
	// anything other than the dispatcher itself (lease expiry, client
	// Last Will, holder release mid-run, shutdown). The dispatcher hooks
	// this to abort the in-flight run before the next grantee can submit.
	onReclaim func(channelID, holder string)

	// now is the clock source, injected for testability.
	now func() time.Time
}

// NewManager creates a reservation manager over the given registry.
//
// Parameters:
//   - registry: Channel registry (pre-populated at startup)
//   - pub: Publisher for grant notifications and retained channel state
//   - defaultLease: Lease duration applied when a request does not specify one
//   - sweepInterval: How often the expiry sweep runs
func NewManager(registry *Registry, pub Publisher, defaultLease, sweepInterval time.Duration) *Manager {
	return &Manager{
		registry:      registry,
		pub:           pub,
		defaultLease:  defaultLease,
		sweepInterval: sweepInterval,
		logger:        noopLogger{},
		now:           time.Now,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetOnReclaim registers the callback invoked when a Running channel is
// reclaimed out from under its invocation. Set once at wiring time, before
// any traffic.
//
// fn runs with the channel's mutex held and must not call back into the
// manager; cancelling the run's context and returning is the intended use.
func (m *Manager) SetOnReclaim(fn func(channelID, holder string)) {
	m.onReclaim = fn
}

// Request handles a reservation request for a channel.
//
// If the channel is Free the reservation is granted immediately. If it is
// held, the client is appended to the FIFO queue (deduplicated: a client
// already queued or already holding gets its previous answer re-announced,
// which makes redelivered requests idempotent) unless noQueue is set, in
// which case the request is denied with channel_busy.
//
// The outcome is always published on the channel's grant topic; it is also
// returned for in-process callers.
//
// Returns:
//   - protocol.Grant: The published outcome
//   - error: ErrChannelNotFound, ErrInvalidClient, or ErrChannelBusy
func (m *Manager) Request(channelID, clientID string, lease time.Duration, noQueue bool) (protocol.Grant, error) {
	if clientID == "" {
		return protocol.Grant{}, ErrInvalidClient
	}

	ch, err := m.registry.Lookup(channelID)
	if err != nil {
		g := m.deny(channelID, clientID, protocol.CodeChannelNotFound)
		return g, err
	}

	if lease <= 0 {
		lease = m.defaultLease
	}
	now := m.now()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch {
	case ch.state == protocol.ChannelFree:
		g := m.grantLocked(ch, clientID, lease, now)
		m.publishState(ch.snapshotLocked(now))
		m.logger.Info("reservation granted", "channel", channelID, "client", clientID, "deadline", g.Deadline)
		return g, nil

	case ch.holder == clientID:
		// Redelivered request from the current holder: re-announce.
		g := protocol.Grant{
			ChannelID: ch.id,
			ClientID:  clientID,
			Result:    protocol.ResultGranted,
			LeaseID:   ch.leaseID,
			GrantedAt: ch.grantedAt,
			Deadline:  ch.deadline,
		}
		m.publishGrant(g)
		return g, nil

	case noQueue:
		g := m.deny(channelID, clientID, protocol.CodeChannelBusy)
		return g, ErrChannelBusy

	default:
		pos := ch.queuePositionLocked(clientID)
		if pos == 0 {
			ch.queue = append(ch.queue, waiter{clientID: clientID, lease: lease, queuedAt: now})
			pos = len(ch.queue)
			m.publishState(ch.snapshotLocked(now))
			m.logger.Info("reservation queued", "channel", channelID, "client", clientID, "position", pos)
		}
		g := protocol.Grant{
			ChannelID: ch.id,
			ClientID:  clientID,
			Result:    protocol.ResultQueued,
			Position:  pos,
		}
		m.publishGrant(g)
		return g, nil
	}
}

// Renew extends the holder's lease by its original duration.
//
// A renewal from a client that is not the current holder is answered with
// a denied/not_holder message and ErrNotHolder; the broker state is
// unchanged (caller logic error, never fatal).
func (m *Manager) Renew(channelID, clientID string) (protocol.Grant, error) {
	if clientID == "" {
		return protocol.Grant{}, ErrInvalidClient
	}

	ch, err := m.registry.Lookup(channelID)
	if err != nil {
		g := m.deny(channelID, clientID, protocol.CodeChannelNotFound)
		return g, err
	}

	now := m.now()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == protocol.ChannelFree || ch.holder != clientID {
		g := m.deny(channelID, clientID, protocol.CodeNotHolder)
		m.logger.Warn("renewal from non-holder", "channel", channelID, "client", clientID)
		return g, ErrNotHolder
	}

	ch.deadline = now.Add(ch.lease)
	ch.renewals++

	g := protocol.Grant{
		ChannelID: ch.id,
		ClientID:  clientID,
		Result:    protocol.ResultRenewed,
		LeaseID:   ch.leaseID,
		GrantedAt: ch.grantedAt,
		Deadline:  ch.deadline,
	}
	m.publishGrant(g)
	m.publishState(ch.snapshotLocked(now))
	m.logger.Debug("reservation renewed", "channel", channelID, "client", clientID, "deadline", ch.deadline)
	return g, nil
}

// Release releases the channel iff clientID is the current holder, then
// grants the queue head (if any) in the same step so no third party can
// jump the queue.
//
// A release from a non-holder (including a repeated release from a client
// that already released) is an idempotent no-op: state is unchanged and
// ErrNotHolder is returned for the caller's information only.
func (m *Manager) Release(channelID, clientID string) error {
	if clientID == "" {
		return ErrInvalidClient
	}

	ch, err := m.registry.Lookup(channelID)
	if err != nil {
		return err
	}

	now := m.now()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == protocol.ChannelFree || ch.holder != clientID {
		m.logger.Debug("release from non-holder ignored", "channel", channelID, "client", clientID)
		return ErrNotHolder
	}

	m.logger.Info("reservation released", "channel", channelID, "client", clientID)
	m.vacateLocked(ch, now)
	m.publishState(ch.snapshotLocked(now))
	return nil
}

// MarkRunning transitions a Reserved channel to Running for a technique
// invocation. It enforces that the submitting client holds the channel and
// that no other invocation is running (the channel state is the lock).
func (m *Manager) MarkRunning(channelID, clientID string) error {
	ch, err := m.registry.Lookup(channelID)
	if err != nil {
		return err
	}

	now := m.now()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.holder != clientID {
		return ErrNotHolder
	}
	if ch.state != protocol.ChannelReserved {
		return ErrNotReserved
	}

	ch.state = protocol.ChannelRunning
	m.publishState(ch.snapshotLocked(now))
	return nil
}

// MarkReserved returns a Running channel to Reserved after an invocation
// reaches a terminal status. The channel does not become Free: the holder
// must still release explicitly, so it can inspect results before others
// gain access.
//
// If the lease was reclaimed mid-run (expiry or disconnect) the holder has
// changed and this is a no-op.
func (m *Manager) MarkReserved(channelID, clientID string) {
	ch, err := m.registry.Lookup(channelID)
	if err != nil {
		return
	}

	now := m.now()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.holder != clientID || ch.state != protocol.ChannelRunning {
		return
	}

	ch.state = protocol.ChannelReserved
	m.publishState(ch.snapshotLocked(now))
}

// Holder returns the current holder of the channel, or "" when Free.
func (m *Manager) Holder(channelID string) (string, error) {
	ch, err := m.registry.Lookup(channelID)
	if err != nil {
		return "", err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.holder, nil
}

// ClientOffline reclaims every reservation held by the given client and
// removes it from every queue. It is triggered by the transport delivering
// the client's Last Will, independent of the sweep, for faster recovery.
func (m *Manager) ClientOffline(clientID string) {
	now := m.now()

	for _, ch := range m.registry.All() {
		ch.mu.Lock()

		changed := false
		for i, w := range ch.queue {
			if w.clientID == clientID {
				ch.queue = append(ch.queue[:i], ch.queue[i+1:]...)
				changed = true
				break
			}
		}

		if ch.state != protocol.ChannelFree && ch.holder == clientID {
			m.logger.Info("reclaiming reservation from offline client",
				"channel", ch.id, "client", clientID)
			m.revokeLocked(ch, protocol.CodeClientOffline)
			m.vacateLocked(ch, now)
			changed = true
		}

		if changed {
			m.publishState(ch.snapshotLocked(now))
		}
		ch.mu.Unlock()
	}
}

// Shutdown releases every held channel and denies every queued request.
// Called once during host shutdown, before the beacon stops.
func (m *Manager) Shutdown() {
	now := m.now()

	for _, ch := range m.registry.All() {
		ch.mu.Lock()

		for _, w := range ch.queue {
			m.publishGrant(protocol.Grant{
				ChannelID: ch.id,
				ClientID:  w.clientID,
				Result:    protocol.ResultDenied,
				ErrorCode: protocol.CodeShutdown,
			})
		}
		ch.queue = nil

		if ch.state != protocol.ChannelFree {
			m.revokeLocked(ch, protocol.CodeShutdown)
			m.vacateLocked(ch, now)
		}

		m.publishState(ch.snapshotLocked(now))
		ch.mu.Unlock()
	}
}

// Run executes the expiry sweep until ctx is cancelled.
//
// The sweep bounds the damage of a crashed or hung client: no channel can
// be starved longer than one lease duration plus one sweep interval.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()

	// Run once immediately
	m.sweepOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce reclaims every Reserved/Running channel whose deadline has
// passed, running the same queue-pop-and-grant logic as explicit release.
func (m *Manager) sweepOnce() {
	now := m.now()

	for _, ch := range m.registry.All() {
		ch.mu.Lock()
		if ch.state != protocol.ChannelFree && !ch.deadline.IsZero() && !now.Before(ch.deadline) {
			m.logger.Warn("lease expired, reclaiming channel",
				"channel", ch.id, "client", ch.holder, "deadline", ch.deadline, "renewals", ch.renewals)
			m.revokeLocked(ch, protocol.CodeLeaseExpired)
			m.vacateLocked(ch, now)
			m.publishState(ch.snapshotLocked(now))
		}
		ch.mu.Unlock()
	}
}

// grantLocked grants the channel to clientID and publishes the grant.
// Caller holds ch.mu and the channel must be Free.
func (m *Manager) grantLocked(ch *Channel, clientID string, lease time.Duration, now time.Time) protocol.Grant {
	ch.state = protocol.ChannelReserved
	ch.holder = clientID
	ch.leaseID = uuid.NewString()
	ch.lease = lease
	ch.grantedAt = now
	ch.deadline = now.Add(lease)
	ch.renewals = 0

	g := protocol.Grant{
		ChannelID: ch.id,
		ClientID:  clientID,
		Result:    protocol.ResultGranted,
		LeaseID:   ch.leaseID,
		GrantedAt: now,
		Deadline:  ch.deadline,
	}
	m.publishGrant(g)
	return g
}

// revokeLocked notifies the current holder that its reservation was
// reclaimed. Caller holds ch.mu.
func (m *Manager) revokeLocked(ch *Channel, code string) {
	m.publishGrant(protocol.Grant{
		ChannelID: ch.id,
		ClientID:  ch.holder,
		Result:    protocol.ResultRevoked,
		LeaseID:   ch.leaseID,
		ErrorCode: code,
	})
}

// vacateLocked frees the channel and, if the queue is non-empty, grants
// the head immediately (Free -> Reserved in the same step, no race window).
// Caller holds ch.mu.
//
// A Running channel being vacated still has an invocation on the
// instrument; the reclaim callback aborts it so the next grantee never
// shares the channel with a zombie run.
func (m *Manager) vacateLocked(ch *Channel, now time.Time) {
	if ch.state == protocol.ChannelRunning && m.onReclaim != nil {
		m.onReclaim(ch.id, ch.holder)
	}

	ch.state = protocol.ChannelFree
	ch.holder = ""
	ch.leaseID = ""
	ch.deadline = time.Time{}
	ch.grantedAt = time.Time{}
	ch.renewals = 0

	if len(ch.queue) > 0 {
		next := ch.queue[0]
		ch.queue = ch.queue[1:]
		m.grantLocked(ch, next.clientID, next.lease, now)
		m.logger.Info("queued reservation granted", "channel", ch.id, "client", next.clientID)
	}
}

// deny builds and publishes a denial for channels the registry does not
// know, or for requests that cannot be queued.
func (m *Manager) deny(channelID, clientID, code string) protocol.Grant {
	g := protocol.Grant{
		ChannelID: channelID,
		ClientID:  clientID,
		Result:    protocol.ResultDenied,
		ErrorCode: code,
	}
	m.publishGrant(g)
	return g
}

// publishGrant publishes a grant-topic message, logging failures.
func (m *Manager) publishGrant(g protocol.Grant) {
	if err := m.pub.PublishGrant(g); err != nil {
		m.logger.Error("publishing grant failed", "channel", g.ChannelID, "client", g.ClientID, "error", err)
	}
}

// publishState publishes the retained channel state, logging failures.
func (m *Manager) publishState(snap protocol.ChannelSnapshot) {
	if err := m.pub.PublishChannelState(snap); err != nil {
		m.logger.Error("publishing channel state failed", "channel", snap.ChannelID, "error", err)
	}
}

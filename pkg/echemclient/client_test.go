package echemclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// fakeTransport is an in-process stand-in for the MQTT session. Tests
// script the host's side by delivering messages to subscribed handlers.
type fakeTransport struct {
	mu        sync.Mutex
	subs      map[string]mqtt.MessageHandler
	pubs      []pubRecord
	onPublish func(topic string, payload []byte)
}

type pubRecord struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeTransport) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	f.pubs = append(f.pubs, pubRecord{topic: topic, payload: payload, retained: retained})
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (f *fakeTransport) PublishRetained(topic string, payload []byte) error {
	return f.Publish(topic, payload, 1, true)
}

func (f *fakeTransport) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return nil
}

func (f *fakeTransport) ClientID() string { return "client-a" }
func (f *fakeTransport) DefaultQoS() byte { return 1 }
func (f *fakeTransport) Close() error     { return nil }

// deliver routes a message to every matching subscription.
func (f *fakeTransport) deliver(t *testing.T, topic string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encoding delivery: %v", err)
	}

	f.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range f.subs {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	if len(handlers) == 0 {
		t.Fatalf("no subscription matches %s", topic)
	}
	for _, h := range handlers {
		if err := h(topic, payload); err != nil {
			t.Fatalf("handler for %s: %v", topic, err)
		}
	}
}

// topicMatches implements single-level MQTT wildcard matching.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

func (f *fakeTransport) published(topicSuffix string) []pubRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pubRecord
	for _, p := range f.pubs {
		if strings.HasSuffix(p.topic, topicSuffix) {
			out = append(out, p)
		}
	}
	return out
}

// grantOnRequest scripts the host: every reserve request is answered with
// the given grant builder.
func (f *fakeTransport) grantOnRequest(t *testing.T, build func(req protocol.ReserveRequest) protocol.Grant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPublish = func(topic string, payload []byte) {
		if !strings.HasSuffix(topic, "/reserve/request") {
			return
		}
		var req protocol.ReserveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("malformed request: %v", err)
			return
		}
		channelID, _ := mqtt.ChannelFromTopic(topic)
		g := build(req)
		g.ChannelID = channelID
		g.ClientID = req.ClientID
		f.deliver(t, mqtt.Topics{}.ReserveGrant(channelID), g)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c, err := newClient(tr)
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	return c, tr
}

func grantNow(leaseSeconds int) protocol.Grant {
	now := time.Now()
	return protocol.Grant{
		Result:    protocol.ResultGranted,
		LeaseID:   "lease-1",
		GrantedAt: now,
		Deadline:  now.Add(time.Duration(leaseSeconds) * time.Second),
	}
}

// =============================================================================
// Acquire
// =============================================================================

func TestAcquire_Granted(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return grantNow(300)
	})

	res, err := c.Acquire(context.Background(), "chan-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer res.Release()

	if res.Channel() != "chan-1" || res.LeaseID() != "lease-1" {
		t.Errorf("reservation = %s/%s, want chan-1/lease-1", res.Channel(), res.LeaseID())
	}
	if res.Deadline().IsZero() {
		t.Error("Deadline() is zero")
	}

	reqs := tr.published("/reserve/request")
	if len(reqs) != 1 {
		t.Fatalf("published %d requests, want 1", len(reqs))
	}
	var req protocol.ReserveRequest
	json.Unmarshal(reqs[0].payload, &req)
	if req.ClientID != "client-a" || req.LeaseSeconds != 300 {
		t.Errorf("request = %+v, want client-a with 300s lease", req)
	}
}

func TestAcquire_QueuedThenGranted(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return protocol.Grant{Result: protocol.ResultQueued, Position: 1}
	})

	type result struct {
		res *Reservation
		err error
	}
	got := make(chan result, 1)
	go func() {
		res, err := c.Acquire(context.Background(), "chan-1", time.Minute)
		got <- result{res, err}
	}()

	// Wait for the queued answer to be consumed, then grant.
	waitFor(t, func() bool { return len(tr.published("/reserve/request")) == 1 })
	time.Sleep(10 * time.Millisecond)
	g := grantNow(60)
	g.ChannelID = "chan-1"
	g.ClientID = "client-a"
	tr.deliver(t, mqtt.Topics{}.ReserveGrant("chan-1"), g)

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Acquire() error = %v", r.err)
		}
		r.res.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire() did not return after grant")
	}
}

func TestAcquireNoWait_BusyDenied(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(req protocol.ReserveRequest) protocol.Grant {
		if !req.NoQueue {
			t.Error("request did not set no_queue")
		}
		return protocol.Grant{Result: protocol.ResultDenied, ErrorCode: protocol.CodeChannelBusy}
	})

	_, err := c.AcquireNoWait(context.Background(), "chan-1", time.Minute)
	if !errors.Is(err, ErrChannelBusy) {
		t.Fatalf("AcquireNoWait() error = %v, want ErrChannelBusy", err)
	}
}

func TestAcquire_UnknownChannelDenied(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return protocol.Grant{Result: protocol.ResultDenied, ErrorCode: protocol.CodeChannelNotFound}
	})

	_, err := c.Acquire(context.Background(), "chan-9", time.Minute)
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("Acquire() error = %v, want ErrChannelNotFound", err)
	}
}

func TestAcquire_TimeoutWhileQueued(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return protocol.Grant{Result: protocol.ResultQueued, Position: 2}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx, "chan-1", time.Minute)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrAcquireTimeout", err)
	}
}

func TestAcquire_LateGrantReleasedAutomatically(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return protocol.Grant{Result: protocol.ResultQueued, Position: 1}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, "chan-1", time.Minute); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrAcquireTimeout", err)
	}

	// The grant lands after the workflow gave up.
	g := grantNow(60)
	g.ChannelID = "chan-1"
	g.ClientID = "client-a"
	tr.deliver(t, mqtt.Topics{}.ReserveGrant("chan-1"), g)

	waitFor(t, func() bool { return len(tr.published("/reserve/release")) == 1 })
}

func TestAcquire_FailsFastWhenHostOffline(t *testing.T) {
	c, tr := newTestClient(t)

	tr.deliver(t, mqtt.Topics{}.SystemStatus(), protocol.ClientStatus{Status: "offline"})
	if c.HostOnline() {
		t.Fatal("HostOnline() = true after offline status")
	}

	_, err := c.Acquire(context.Background(), "chan-1", time.Minute)
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("Acquire() error = %v, want ErrBrokerUnavailable", err)
	}

	// Host returns; acquires work again.
	tr.deliver(t, mqtt.Topics{}.SystemStatus(), protocol.ClientStatus{Status: "online"})
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return grantNow(60)
	})
	res, err := c.Acquire(context.Background(), "chan-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after host recovery error = %v", err)
	}
	res.Release()
}

// =============================================================================
// Reservation lifecycle
// =============================================================================

func TestReservation_RenewedDeadlineAdvances(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return grantNow(300)
	})

	res, err := c.Acquire(context.Background(), "chan-1", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()
	before := res.Deadline()

	newDeadline := before.Add(5 * time.Minute)
	tr.deliver(t, mqtt.Topics{}.ReserveGrant("chan-1"), protocol.Grant{
		ChannelID: "chan-1",
		ClientID:  "client-a",
		Result:    protocol.ResultRenewed,
		LeaseID:   "lease-1",
		Deadline:  newDeadline,
	})

	waitFor(t, func() bool { return res.Deadline().Equal(newDeadline) })
}

func TestReservation_RevokedOnLeaseExpiry(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return grantNow(300)
	})

	res, err := c.Acquire(context.Background(), "chan-1", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tr.deliver(t, mqtt.Topics{}.ReserveGrant("chan-1"), protocol.Grant{
		ChannelID: "chan-1",
		ClientID:  "client-a",
		Result:    protocol.ResultRevoked,
		LeaseID:   "lease-1",
		ErrorCode: protocol.CodeLeaseExpired,
	})

	select {
	case <-res.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after revocation")
	}
	if err := res.Err(); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("Err() = %v, want ErrLeaseExpired", err)
	}

	// Release after revocation is a quiet no-op.
	if err := res.Release(); err != nil {
		t.Errorf("Release() after revoke error = %v", err)
	}
}

func TestReservation_ReleasePublishesAndIsIdempotent(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return grantNow(300)
	})

	res, err := c.Acquire(context.Background(), "chan-1", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if err := res.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := res.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}

	if got := len(tr.published("/reserve/release")); got != 1 {
		t.Errorf("published %d releases, want 1", got)
	}
	if err := res.Renew(); !errors.Is(err, ErrReleased) {
		t.Errorf("Renew() after release error = %v, want ErrReleased", err)
	}
}

func TestWithChannel_ReleasesOnError(t *testing.T) {
	c, tr := newTestClient(t)
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return grantNow(300)
	})

	boom := errors.New("boom")
	err := c.WithChannel(context.Background(), "chan-1", time.Minute, func(r *Reservation) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithChannel() error = %v, want fn error", err)
	}
	if got := len(tr.published("/reserve/release")); got != 1 {
		t.Errorf("published %d releases, want 1 (released on fn error)", got)
	}
}

// =============================================================================
// Invocations
// =============================================================================

// scriptRun answers invoke requests with progress points and a terminal
// status.
func scriptRun(t *testing.T, tr *fakeTransport, points int, terminal protocol.InvocationStatus, result json.RawMessage, errCode string) {
	tr.mu.Lock()
	prev := tr.onPublish
	tr.mu.Unlock()

	hook := func(topic string, payload []byte) {
		if prev != nil {
			prev(topic, payload)
		}
		if !strings.HasSuffix(topic, "/invoke/request") {
			return
		}
		var req protocol.InvokeRequest
		json.Unmarshal(payload, &req)
		channelID, _ := mqtt.ChannelFromTopic(topic)
		statusTopic := mqtt.Topics{}.InvokeStatus(channelID)

		for i := 1; i <= points; i++ {
			point, _ := json.Marshal(map[string]float64{"current_a": float64(i)})
			tr.deliver(t, statusTopic, protocol.InvokeStatus{
				InvocationID: req.InvocationID,
				ChannelID:    channelID,
				ClientID:     req.ClientID,
				Status:       protocol.InvocationRunning,
				Sequence:     i,
				Point:        point,
			})
		}
		tr.deliver(t, statusTopic, protocol.InvokeStatus{
			InvocationID: req.InvocationID,
			ChannelID:    channelID,
			ClientID:     req.ClientID,
			Status:       terminal,
			Sequence:     points + 1,
			Result:       result,
			ErrorCode:    errCode,
		})
	}

	tr.mu.Lock()
	tr.onPublish = hook
	tr.mu.Unlock()
}

func acquireForInvoke(t *testing.T, c *Client, tr *fakeTransport) *Reservation {
	t.Helper()
	tr.grantOnRequest(t, func(protocol.ReserveRequest) protocol.Grant {
		return grantNow(300)
	})
	res, err := c.Acquire(context.Background(), "chan-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	t.Cleanup(func() { res.Release() })
	return res
}

func TestSubmit_StreamsProgressAndReturnsResult(t *testing.T) {
	c, tr := newTestClient(t)
	res := acquireForInvoke(t, c, tr)
	scriptRun(t, tr, 3, protocol.InvocationSucceeded, json.RawMessage(`{"points":3}`), "")

	var progress []Progress
	result, err := res.Submit(context.Background(), json.RawMessage(`{"technique":"cv"}`), func(p Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if string(result) != `{"points":3}` {
		t.Errorf("result = %s, want {\"points\":3}", result)
	}
	if len(progress) != 3 {
		t.Fatalf("received %d progress points, want 3", len(progress))
	}
	for i, p := range progress {
		if p.Sequence != i+1 {
			t.Errorf("progress %d sequence = %d, want %d", i, p.Sequence, i+1)
		}
	}
}

func TestSubmit_FailedRunReturnsInvocationError(t *testing.T) {
	c, tr := newTestClient(t)
	res := acquireForInvoke(t, c, tr)
	scriptRun(t, tr, 0, protocol.InvocationFailed, nil, protocol.CodeInvocationFailed)

	_, err := res.Submit(context.Background(), nil, nil)
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("Submit() error = %v, want *InvocationError", err)
	}
	if invErr.Code != protocol.CodeInvocationFailed {
		t.Errorf("Code = %q, want invocation_failed", invErr.Code)
	}
}

func TestSubmit_NotHolderMapped(t *testing.T) {
	c, tr := newTestClient(t)
	res := acquireForInvoke(t, c, tr)
	scriptRun(t, tr, 0, protocol.InvocationFailed, nil, protocol.CodeNotHolder)

	_, err := res.Submit(context.Background(), nil, nil)
	if !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Submit() error = %v, want ErrNotHolder", err)
	}
}

func TestSubmit_ContextCancelPublishesCancel(t *testing.T) {
	c, tr := newTestClient(t)
	res := acquireForInvoke(t, c, tr)
	// No scripted terminal: the run hangs until cancelled.

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := res.Submit(ctx, nil, nil)
		done <- err
	}()

	waitFor(t, func() bool { return len(tr.published("/invoke/request")) == 1 })
	cancel()
	waitFor(t, func() bool { return len(tr.published("/invoke/cancel")) == 1 })

	// Host confirms the cancellation.
	var req protocol.CancelRequest
	json.Unmarshal(tr.published("/invoke/cancel")[0].payload, &req)
	tr.deliver(t, mqtt.Topics{}.InvokeStatus("chan-1"), protocol.InvokeStatus{
		InvocationID: req.InvocationID,
		ChannelID:    "chan-1",
		ClientID:     "client-a",
		Status:       protocol.InvocationCancelled,
	})

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Submit() error = %v, want ErrCancelled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Submit() did not return after cancel")
	}
}

func TestSubmit_OnReleasedReservationFails(t *testing.T) {
	c, tr := newTestClient(t)
	res := acquireForInvoke(t, c, tr)
	res.Release()

	if _, err := res.Submit(context.Background(), nil, nil); !errors.Is(err, ErrReleased) {
		t.Fatalf("Submit() error = %v, want ErrReleased", err)
	}
}

// =============================================================================
// Devices
// =============================================================================

func TestDeviceState_TrackAndRead(t *testing.T) {
	c, tr := newTestClient(t)

	if err := c.TrackDevices(); err != nil {
		t.Fatalf("TrackDevices() error = %v", err)
	}
	tr.deliver(t, mqtt.Topics{}.DeviceState("ph-probe-1"), protocol.DeviceSnapshot{
		Status: "online",
		Fields: map[string]float64{"ph": 7.2},
	})

	snap, ok := c.DeviceState("ph-probe-1")
	if !ok {
		t.Fatal("DeviceState() not found after update")
	}
	if snap.Name != "ph-probe-1" || snap.Fields["ph"] != 7.2 {
		t.Errorf("snapshot = %+v, want ph-probe-1 with ph=7.2", snap)
	}

	if _, ok := c.DeviceState("unknown"); ok {
		t.Error("DeviceState(unknown) = ok, want false")
	}
}

func TestPublishDeviceState_Retained(t *testing.T) {
	c, tr := newTestClient(t)

	if err := c.PublishDeviceState("pump-1", "online", map[string]float64{"flow_ml_min": 2.5}); err != nil {
		t.Fatalf("PublishDeviceState() error = %v", err)
	}

	pubs := tr.published("/state")
	if len(pubs) != 1 || !pubs[0].retained {
		t.Fatalf("pubs = %+v, want one retained publish", pubs)
	}
	var snap protocol.DeviceSnapshot
	json.Unmarshal(pubs[0].payload, &snap)
	if snap.Name != "pump-1" || snap.Fields["flow_ml_min"] != 2.5 {
		t.Errorf("snapshot = %+v, want pump-1 flow=2.5", snap)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// =============================================================================
// Delivery edge cases
// =============================================================================

func TestInvokeStatus_TerminalReachesSlowConsumer(t *testing.T) {
	c, tr := newTestClient(t)

	sub, err := c.invokeSubFor("chan-1")
	if err != nil {
		t.Fatalf("invokeSubFor() error = %v", err)
	}

	// A one-slot waiter already holding a progress point: the terminal
	// status cannot land synchronously.
	waiter := make(chan protocol.InvokeStatus, 1)
	sub.mu.Lock()
	sub.waiters["inv-1"] = waiter
	sub.mu.Unlock()
	waiter <- protocol.InvokeStatus{
		InvocationID: "inv-1",
		Status:       protocol.InvocationRunning,
		Sequence:     1,
	}

	tr.deliver(t, mqtt.Topics{}.InvokeStatus("chan-1"), protocol.InvokeStatus{
		InvocationID: "inv-1",
		ChannelID:    "chan-1",
		ClientID:     "client-a",
		Status:       protocol.InvocationSucceeded,
		Result:       json.RawMessage(`{"points":1}`),
	})

	// The consumer catches up: the terminal status must still arrive, and
	// within the retry window rather than hanging.
	<-waiter
	select {
	case st := <-waiter:
		if st.Status != protocol.InvocationSucceeded {
			t.Fatalf("status = %s, want succeeded", st.Status)
		}
	case <-time.After(cancelGrace):
		t.Fatal("terminal status never reached the consumer")
	}
}

func TestAcquire_GrantBufferedAtGiveUpIsReleased(t *testing.T) {
	c, tr := newTestClient(t)

	sub, err := c.channelSubFor("chan-1")
	if err != nil {
		t.Fatalf("channelSubFor() error = %v", err)
	}

	// A grant already sitting in the waiter when the acquirer gives up.
	waiter := make(chan protocol.Grant, 8)
	sub.mu.Lock()
	sub.waiter = waiter
	sub.mu.Unlock()
	g := grantNow(60)
	g.ChannelID = "chan-1"
	g.ClientID = "client-a"
	waiter <- g

	c.abandonAcquire(sub, "chan-1", waiter)

	rels := tr.published("/reserve/release")
	if len(rels) != 1 {
		t.Fatalf("published %d releases, want 1", len(rels))
	}
	var rel protocol.ReleaseRequest
	json.Unmarshal(rels[0].payload, &rel)
	if rel.LeaseID != "lease-1" || rel.ClientID != "client-a" {
		t.Errorf("release = %+v, want lease-1 from client-a", rel)
	}

	sub.mu.Lock()
	detached := sub.waiter == nil
	sub.mu.Unlock()
	if !detached {
		t.Error("waiter still attached after abandon")
	}
}

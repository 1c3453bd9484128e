// Package echemclient is the client library workflow processes use to
// share the instrument host.
//
// A workflow connects once, then acquires a channel, runs techniques on it,
// and releases it:
//
//	client, err := echemclient.Connect(cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.WithChannel(ctx, "chan-1", 5*time.Minute, func(r *echemclient.Reservation) error {
//	    result, err := r.Submit(ctx, params, nil)
//	    ...
//	})
//
// Acquisition is fair: a held channel queues the request and the broker
// grants it when the holder releases, without re-requesting. A background
// heartbeat renews the lease until the reservation is released, so a
// healthy workflow never loses its channel mid-run; if the host still
// revokes the lease (expiry after a stall, host shutdown) the reservation's
// Done channel reports it.
//
// The client watches the host's status topic and fails in-flight waits
// fast with ErrBrokerUnavailable when the host goes offline, rather than
// queueing work into the void.
package echemclient

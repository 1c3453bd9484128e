// Package mqtt provides MQTT client connectivity for the echem host.
//
// This package manages:
//   - Connection to the MQTT broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The echem host uses MQTT as the message bus between the channel-reservation
// broker and the workflow processes sharing the instrument. The broker
// (Mosquitto) decouples the host from individual workflows.
//
//	Workflow clients ↔ MQTT Broker ↔ Echem Host
//
// Retained messages carry last-known state (channel state, device state,
// presence); non-retained messages carry the reservation and invocation
// protocol. Delivery is at-least-once at QoS 1, so all protocol handlers
// must tolerate redelivery (dedupe by invocation id / client id).
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all reservation requests
//	err = client.Subscribe(mqtt.Topics{}.AllReserveRequests(), 1,
//	    func(topic string, payload []byte) error {
//	        return manager.HandleRequest(topic, payload)
//	    })
//
//	// Publish a grant
//	topic := mqtt.Topics{}.ReserveGrant("chan-1")
//	client.Publish(topic, grantJSON, 1, false)
package mqtt

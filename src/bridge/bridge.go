// Package bridge relays hub deliveries between reference backend instances.
package bridge

import "github.com/orchestra-mcp/chatsync/src/hub"

// Bridge defines the interface for cross-instance delivery.
// Implementations relay deliveries between multiple backend instances.
type Bridge interface {
	// Publish sends a delivery to all other instances via the bridge.
	Publish(d hub.Delivery) error

	// Start begins listening for deliveries from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// DeliveryTarget is implemented by the Hub to receive deliveries from the bridge.
type DeliveryTarget interface {
	DeliverLocal(d hub.Delivery)
}

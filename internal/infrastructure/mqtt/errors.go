package mqtt

import "errors"

// Errors returned by the MQTT client. Use errors.Is to check them.
var (
	ErrNotConnected      = errors.New("mqtt: client not connected")
	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")
	ErrInvalidQoS        = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic      = errors.New("mqtt: invalid topic")
	ErrTimeout           = errors.New("mqtt: operation timed out")

	// ErrBrokerNotFound is returned when mDNS discovery finds no broker.
	ErrBrokerNotFound = errors.New("mqtt: no broker found via mDNS")
)

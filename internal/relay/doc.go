// Package relay moves data between device sessions and MQTT.
//
// Outbound, each device has a bounded lane that drops its oldest item on
// overflow, so a slow broker or a chatty device can never block a session.
// A goroutine per lane publishes in order, waiting while the broker is
// unreachable or the publish circuit breaker is open.
//
// Inbound, command topics are resolved through a map built once at
// startup. Payloads are parsed and encoded with the characteristic's codec,
// rate limited per device and routed to the owning session. Batch command
// documents on <prefix>/<device>/commands run a sequence of reads and
// writes and publish the read results under <prefix>/<device>/data.
package relay

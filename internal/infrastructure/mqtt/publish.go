package mqtt

import (
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps a single message. Batch results and advertisement
// JSON are the largest payloads the bridge sends, well under this.
const maxPayloadSize = 1 << 20

// Publish sends payload to a topic inside the bridge namespace and waits
// for the broker acknowledgement (QoS > 0).
//
// Value and health topics are published retained. Command topics never
// are: a retained /set or batch message would be replayed into the bridge
// on every reconnect.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := c.checkPublishTopic(topic, retained); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %s: payload is %d bytes, limit %d", ErrPublishFailed, topic, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed, topic)
}

func (c *Client) checkPublishTopic(topic string, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("%w: %q is a pattern", ErrInvalidTopic, topic)
	case !c.topics.Contains(topic):
		return fmt.Errorf("%w: %q is outside %q", ErrInvalidTopic, topic, c.topics.Prefix())
	case retained && c.topics.IsInbound(topic):
		return fmt.Errorf("%w: %q is a command topic and cannot be retained", ErrInvalidTopic, topic)
	}
	return nil
}

// await waits for a paho token and wraps its failure in kind.
func await(token pahomqtt.Token, kind error, topic string) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: %w after %v", kind, topic, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", kind, topic, err)
	}
	return nil
}

// publishStatus writes the retained online/offline marker. Failures are
// logged: the LWT still covers an unclean exit.
func (c *Client) publishStatus(payload []byte, wait time.Duration) {
	token := c.client.Publish(c.topics.BridgeStatus(), byte(c.cfg.QoS), true, payload)
	if wait > 0 && !token.WaitTimeout(wait) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("bridge status publish timed out", "topic", c.topics.BridgeStatus())
		}
	}
}

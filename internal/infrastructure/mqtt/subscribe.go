package mqtt

import (
	"fmt"
	"sort"
)

// Subscribe registers handler for a topic or pattern inside the bridge
// namespace, typically Topics.CommandPattern or Topics.BatchPattern. The
// subscription is restored after every reconnect.
func (c *Client) Subscribe(pattern string, qos byte, handler MessageHandler) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	if !c.topics.Contains(pattern) {
		return fmt.Errorf("%w: %q is outside %q", ErrInvalidTopic, pattern, c.topics.Prefix())
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrSubscribeFailed, pattern)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.track(subscription{topic: pattern, qos: qos, handler: handler})
	err := await(c.client.Subscribe(pattern, qos, c.wrapHandler(handler)), ErrSubscribeFailed, pattern)
	if err != nil {
		c.untrack(pattern)
	}
	return err
}

// Unsubscribe drops a pattern. Messages already in flight may still arrive.
func (c *Client) Unsubscribe(pattern string) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(pattern)
	return await(c.client.Unsubscribe(pattern), ErrUnsubscribeFailed, pattern)
}

// Subscriptions returns the tracked patterns in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	out := make([]string, 0, len(c.subscriptions))
	for pattern := range c.subscriptions {
		out = append(out, pattern)
	}
	sort.Strings(out)
	return out
}

func (c *Client) track(sub subscription) {
	c.subMu.Lock()
	c.subscriptions[sub.topic] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(pattern string) {
	c.subMu.Lock()
	delete(c.subscriptions, pattern)
	c.subMu.Unlock()
}

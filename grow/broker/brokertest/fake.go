// Package brokertest provides an in-memory broker.Conn for tests.
package brokertest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is a published message recorded by Conn.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Conn delivers published messages to matching subscriptions synchronously.
type Conn struct {
	// Err, when set, fails every token.
	Err error

	mu        sync.Mutex
	published []Message
	subs      map[string]mqtt.MessageHandler
}

func NewConn() *Conn {
	return &Conn{subs: map[string]mqtt.MessageHandler{}}
}

func (c *Conn) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	default:
		return &Token{err: fmt.Errorf("unsupported payload type %T", payload)}
	}
	if c.Err != nil {
		return &Token{err: c.Err}
	}

	m := Message{Topic: topic, QoS: qos, Retained: retained, Payload: b}
	c.mu.Lock()
	c.published = append(c.published, m)
	var handlers []mqtt.MessageHandler
	for filter, h := range c.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(nil, &message{m})
	}
	return &Token{}
}

func (c *Conn) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	if c.Err != nil {
		return &Token{err: c.Err}
	}
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
	return &Token{}
}

func (c *Conn) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return &Token{}
}

// Published returns every message published so far.
func (c *Conn) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

func (c *Conn) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

// Match reports whether an MQTT topic filter with + and # wildcards matches
// topic.
func Match(filter, topic string) bool {
	fs, ts := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) || (f != "+" && f != ts[i]) {
			return false
		}
	}
	return len(fs) == len(ts)
}

// Token is always complete.
type Token struct {
	err error
}

func (t *Token) Wait() bool                       { return true }
func (t *Token) WaitTimeout(_ time.Duration) bool { return true }
func (t *Token) Error() error                     { return t.err }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	m Message
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return m.m.QoS }
func (m *message) Retained() bool    { return m.m.Retained }
func (m *message) Topic() string     { return m.m.Topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.m.Payload }
func (m *message) Ack()              {}

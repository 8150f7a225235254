package metrics

import (
	"bytes"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

// maxPacket keeps flushed datagrams under a typical MTU.
const maxPacket = 1400

// StatsdCollector encodes metric events as statsd lines with dogstatsd
// tags, batching them into UDP datagrams. Delivery is best-effort.
type StatsdCollector struct {
	conn   net.Conn
	prefix string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewStatsdCollector dials the configured UDP address.
func NewStatsdCollector(cfg config.StatsdConfig) (*StatsdCollector, error) {
	conn, err := net.Dial("udp", cfg.Address)
	if err != nil {
		return nil, shielderrors.Wrap(err, shielderrors.CodeConfiguration, "statsd dial failed")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "shield"
	}
	return &StatsdCollector{conn: conn, prefix: prefix}, nil
}

func (c *StatsdCollector) emit(name string, value float64, kind string, labels map[string]string) {
	var line bytes.Buffer
	line.WriteString(c.prefix)
	line.WriteByte('.')
	line.WriteString(name)
	line.WriteByte(':')
	line.WriteString(strconv.FormatFloat(value, 'f', -1, 64))
	line.WriteByte('|')
	line.WriteString(kind)
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		line.WriteString("|#")
		for i, k := range keys {
			if i > 0 {
				line.WriteByte(',')
			}
			line.WriteString(k)
			line.WriteByte(':')
			line.WriteString(labels[k])
		}
	}
	line.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() > 0 && c.buf.Len()+line.Len() > maxPacket {
		c.flushLocked()
	}
	c.buf.Write(line.Bytes())
}

func (c *StatsdCollector) Increment(name string, labels map[string]string, delta float64) {
	c.emit(name, delta, "c", labels)
}

func (c *StatsdCollector) Decrement(name string, labels map[string]string, delta float64) {
	c.emit(name, -delta, "c", labels)
}

func (c *StatsdCollector) Gauge(name string, labels map[string]string, value float64) {
	c.emit(name, value, "g", labels)
}

func (c *StatsdCollector) Histogram(name string, labels map[string]string, value float64) {
	c.emit(name, value, "ms", labels)
}

func (c *StatsdCollector) Summary(name string, labels map[string]string, value float64) {
	c.emit(name, value, "ms", labels)
}

// Flush sends the pending batch.
func (c *StatsdCollector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *StatsdCollector) flushLocked() error {
	if c.buf.Len() == 0 {
		return nil
	}
	_, err := c.conn.Write(c.buf.Bytes())
	c.buf.Reset()
	return err
}

// Close flushes and closes the connection.
func (c *StatsdCollector) Close() error {
	c.Flush()
	return c.conn.Close()
}

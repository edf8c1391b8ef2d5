package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/salazarsebas/iasppt/internal/observability"
)

type RedisOutboxConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
	MaxDepth int
}

// RedisOutbox keeps one list per recipient under Key:inbox:<recipient>.
// It speaks RESP directly over a short-lived connection per call.
type RedisOutbox struct {
	cfg RedisOutboxConfig
}

func NewRedisOutbox(cfg RedisOutboxConfig) *RedisOutbox {
	if cfg.Key == "" {
		cfg.Key = "ias:outbox"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1024
	}
	return &RedisOutbox{cfg: cfg}
}

func (o *RedisOutbox) inboxKey(recipient string) string {
	return o.cfg.Key + ":inbox:" + recipient
}

func (o *RedisOutbox) labels(extra map[string]string) map[string]string {
	l := map[string]string{"outbox_backend": "redis"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (o *RedisOutbox) Publish(ctx context.Context, notes []Notification) error {
	if len(notes) == 0 {
		return nil
	}
	grouped := make(map[string][]string)
	order := make([]string, 0, len(notes))
	for _, n := range notes {
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if _, seen := grouped[n.Recipient]; !seen {
			order = append(order, n.Recipient)
		}
		grouped[n.Recipient] = append(grouped[n.Recipient], string(b))
	}
	conn, rw, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	for _, recipient := range order {
		key := o.inboxKey(recipient)
		args := append([]string{"RPUSH", key}, grouped[recipient]...)
		if err := writeRESP(rw, args...); err != nil {
			return err
		}
		if _, err := readRESP(rw); err != nil {
			return err
		}
		if err := writeRESP(rw, "LTRIM", key, strconv.Itoa(-o.cfg.MaxDepth), "-1"); err != nil {
			return err
		}
		if _, err := readRESP(rw); err != nil {
			return err
		}
	}
	for _, n := range notes {
		observability.Default.IncCounter("outbox_published_total", o.labels(map[string]string{"kind": n.Kind}), 1)
	}
	return nil
}

func (o *RedisOutbox) Drain(ctx context.Context, recipient string, max int) ([]Notification, error) {
	if max <= 0 {
		max = 1
	}
	conn, rw, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	out := make([]Notification, 0, max)
	for len(out) < max {
		if err := writeRESP(rw, "LPOP", o.inboxKey(recipient)); err != nil {
			return out, err
		}
		resp, err := readRESP(rw)
		if err != nil {
			return out, err
		}
		if resp == nil {
			break
		}
		raw, ok := resp.(string)
		if !ok {
			return out, errors.New("unexpected redis payload type")
		}
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			observability.Default.IncCounter("outbox_decode_errors_total", o.labels(nil), 1)
			continue
		}
		out = append(out, n)
	}
	observability.Default.IncCounter("outbox_drained_total", o.labels(nil), float64(len(out)))
	return out, nil
}

func (o *RedisOutbox) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: o.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", o.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(o.cfg.Timeout))
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if o.cfg.Password != "" {
		if err := writeRESP(rw, "AUTH", o.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if o.cfg.DB > 0 {
		if err := writeRESP(rw, "SELECT", strconv.Itoa(o.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			s, _ := v.(string)
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

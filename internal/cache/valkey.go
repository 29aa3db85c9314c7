package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyProvider shares verdict and archive-history cache entries across
// analysis engine replicas through a Valkey/Redis-compatible server. It
// speaks the small RESP subset the Provider interface needs and dials per
// operation; at this call volume a connection pool buys nothing.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

func (c *ValkeyConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
}

// NewValkeyProvider builds a Provider for the configured server. It pings
// the target once so bad credentials or an unreachable address fail at
// startup instead of on the first cache lookup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.applyDefaults()
	provider := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := provider.do(ctx, func(rc *respConn) error {
		data, err := rc.roundTrip("PING")
		if err != nil {
			return err
		}
		if string(data) != "PONG" {
			return fmt.Errorf("unexpected PING response: %s", data)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return provider, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.do(ctx, func(rc *respConn) error {
		data, err := rc.roundTrip("GET", key)
		if err != nil {
			return err
		}
		if data == nil {
			return ErrCacheMiss
		}
		payload = data
		return nil
	})
	return payload, err
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.do(ctx, func(rc *respConn) error {
		data, err := rc.roundTrip(setArgs(key, value, ttl, false)...)
		if err != nil {
			return err
		}
		if string(data) != "OK" {
			return fmt.Errorf("unexpected SET response: %s", data)
		}
		return nil
	})
}

// SetNX stores the value only if the key does not exist. It reports whether
// the write won.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var won bool
	err := p.do(ctx, func(rc *respConn) error {
		data, err := rc.roundTrip(setArgs(key, value, ttl, true)...)
		if err != nil {
			return err
		}
		// A nil reply means the key already existed.
		won = data != nil
		return nil
	})
	return won, err
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.do(ctx, func(rc *respConn) error {
		_, err := rc.roundTrip("DEL", key)
		return err
	})
}

// Close is a no-op; the provider holds no persistent connections.
func (p *ValkeyProvider) Close() error { return nil }

func setArgs(key string, value []byte, ttl time.Duration, nx bool) []string {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	if nx {
		args = append(args, "NX")
	}
	return args
}

// do dials, authenticates, runs fn, and retries timeouts up to MaxRetries.
func (p *ValkeyProvider) do(ctx context.Context, fn func(*respConn) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTimeout(err) || attempt == p.cfg.MaxRetries-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
	}
	return lastErr
}

func (p *ValkeyProvider) attempt(ctx context.Context, fn func(*respConn) error) error {
	rc, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer rc.close()
	if err := p.handshake(rc); err != nil {
		return err
	}
	return fn(rc)
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: dialTimeout(ctx, p.cfg.DialTimeout)}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr,
			&tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &respConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}, nil
}

// handshake runs AUTH and SELECT when configured.
func (p *ValkeyProvider) handshake(rc *respConn) error {
	if p.cfg.Password != "" {
		args := []string{"AUTH"}
		if p.cfg.Username != "" {
			args = append(args, p.cfg.Username)
		}
		args = append(args, p.cfg.Password)
		data, err := rc.roundTrip(args...)
		if err != nil {
			return fmt.Errorf("valkey auth: %w", err)
		}
		if !strings.EqualFold(string(data), "OK") {
			return fmt.Errorf("valkey auth failed: %s", data)
		}
	}
	if p.cfg.DB > 0 {
		data, err := rc.roundTrip("SELECT", strconv.Itoa(p.cfg.DB))
		if err != nil {
			return fmt.Errorf("valkey select: %w", err)
		}
		if !strings.EqualFold(string(data), "OK") {
			return fmt.Errorf("valkey select failed: %s", data)
		}
	}
	return nil
}

func dialTimeout(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if remaining < d {
			return remaining
		}
	}
	return d
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// respConn serializes one command at a time over a RESP connection. Replies
// are collapsed to their payload: bulk and simple strings return bytes,
// null bulks return nil bytes, server errors come back as Go errors.
type respConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (rc *respConn) close() {
	_ = rc.conn.Close()
}

func (rc *respConn) roundTrip(args ...string) ([]byte, error) {
	if err := rc.send(args); err != nil {
		return nil, err
	}
	return rc.readReply()
}

func (rc *respConn) send(args []string) error {
	if err := rc.conn.SetWriteDeadline(time.Now().Add(rc.writeTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(rc.writer, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(rc.writer, "$%d\r\n%s\r\n", len(arg), arg)
	}
	return rc.writer.Flush()
}

func (rc *respConn) readReply() ([]byte, error) {
	if err := rc.conn.SetReadDeadline(time.Now().Add(rc.readTimeout)); err != nil {
		return nil, err
	}
	prefix, err := rc.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+', ':':
		return rc.readLine()
	case '-':
		line, err := rc.readLine()
		if err != nil {
			return nil, err
		}
		return nil, errors.New(string(line))
	case '$':
		line, err := rc.readLine()
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return nil, fmt.Errorf("bad bulk length %q", line)
		}
		if size < 0 {
			return nil, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(rc.reader, buf); err != nil {
			return nil, err
		}
		return buf[:size], nil
	default:
		return nil, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (rc *respConn) readLine() ([]byte, error) {
	line, err := rc.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

var _ Provider = (*ValkeyProvider)(nil)

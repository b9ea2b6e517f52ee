package mail

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

const (
	lineEnding  = "\r\n"
	dialTimeout = 5 * time.Second
)

// Config describes a connection to the mail relay.
type Config struct {
	ServerAddr string
	ServerName string
	Username   string
	Password   string
	OpTimeout  time.Duration
	Retries    int
}

// Client is a line-oriented session to the mail relay, speaking a minimal
// subset of SMTP. It owns its TCP stream exclusively and must not be shared
// across goroutines. Response lines are consumed but their codes are not
// parsed; transport errors are the only failure signal.
type Client struct {
	cfg    Config
	logger *slog.Logger
	conn   net.Conn
	reader *bufio.Reader
}

// Dial opens a connection to the relay and performs the greet + auth handshake.
func Dial(cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.cfg.ServerAddr, dialTimeout)
	if err != nil {
		return fmt.Errorf("connecting to mail server %s: %w", c.cfg.ServerAddr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if err := c.exchange("HELO "+c.cfg.ServerName, 2); err != nil {
		c.closeConn()
		return fmt.Errorf("sending HELO: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte("\x00" + c.cfg.Username + "\x00" + c.cfg.Password))
	if err := c.exchange("AUTH PLAIN "+auth, 1); err != nil {
		c.closeConn()
		return fmt.Errorf("sending AUTH PLAIN: %w", err)
	}

	return nil
}

// SendMail attempts the MAIL FROM / RCPT TO / DATA / body sequence up to the
// configured number of retries, reconnecting after any error. It returns the
// UTC send timestamp on success and nil after exhausting retries (a failure,
// not an error). A failed reconnect is fatal and surfaces as an error.
func (c *Client) SendMail(from, to, subject, body string) (*time.Time, error) {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    time.Second,
		Jitter: true,
	}

	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		err := c.trySendOnce(from, to, subject, body)
		if err == nil {
			now := time.Now().UTC()
			return &now, nil
		}

		c.logger.Error("sending mail failed, will attempt to reconnect and retry",
			"error", err,
			"from", from,
			"to", to,
			"subject", subject,
		)

		time.Sleep(b.Duration())

		if err := c.reconnect(); err != nil {
			return nil, fmt.Errorf("failed to reconnect after botched mail send attempt: %w", err)
		}
	}

	c.logger.Error("failed to send mail after retries",
		"from", from,
		"to", to,
		"subject", subject,
		"retries", c.cfg.Retries,
	)

	return nil, nil
}

func (c *Client) trySendOnce(from, to, subject, body string) error {
	if err := c.exchange(fmt.Sprintf("MAIL FROM:<%s>", from), 1); err != nil {
		return fmt.Errorf("sending MAIL FROM: %w", err)
	}

	if err := c.exchange(fmt.Sprintf("RCPT TO:<%s>", to), 1); err != nil {
		return fmt.Errorf("sending RCPT TO: %w", err)
	}

	if err := c.exchange("DATA", 1); err != nil {
		return fmt.Errorf("sending DATA: %w", err)
	}

	data := fmt.Sprintf("From: %s%sTo: %s%sSubject: %s%s%s%s%s.",
		from, lineEnding, to, lineEnding, subject, lineEnding, lineEnding, body, lineEnding)
	if err := c.exchange(data, 1); err != nil {
		return fmt.Errorf("sending body: %w", err)
	}

	return nil
}

// exchange writes one message and consumes the expected number of response
// lines, each operation bounded by the per-operation deadline.
func (c *Client) exchange(msg string, expectedLines int) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.OpTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(msg + lineEnding)); err != nil {
		return fmt.Errorf("writing request message: %w", err)
	}

	for i := 0; i < expectedLines; i++ {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.OpTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		if _, err := c.reader.ReadString('\n'); err != nil {
			return fmt.Errorf("reading response line %d: %w", i, err)
		}
	}

	return nil
}

func (c *Client) reconnect() error {
	c.closeConn()
	return c.connect()
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close drops the connection. The client cannot be reused afterwards.
func (c *Client) Close() {
	c.closeConn()
}

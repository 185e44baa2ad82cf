// Package ftpconn is a blocking FTP client used by the engine's FTP
// transport. Every operation takes a context; cancelling it closes the
// connections, which interrupts any blocked socket I/O. A Conn whose
// operation was cancelled is unusable afterwards.
package ftpconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/ftpengine/internal/ratelimit"
)

// Conn represents an FTP control connection.
type Conn struct {
	// conn is the underlying network connection (control channel)
	conn net.Conn

	// reader is a buffered reader for the control channel
	reader *bufio.Reader

	// tlsConfig is the TLS configuration (if TLS is enabled)
	tlsConfig *tls.Config

	// tlsMode indicates whether TLS is disabled, explicit, or implicit
	tlsMode TLSMode

	// timeout bounds each network operation
	timeout time.Duration

	logger *slog.Logger
	dialer *net.Dialer

	host string
	port string

	// disableEPSV forces PASV
	disableEPSV bool

	// activeMode makes the server connect to us (PORT/EPRT)
	activeMode bool

	// features is the parsed FEAT response, nil until Features is called
	features map[string]string

	parsers []ListingParser

	// currentType tracks the current transfer type to avoid redundant TYPE commands
	currentType string

	// limiter throttles data connections, nil for unlimited
	limiter *ratelimit.Limiter

	// mu serializes control channel exchanges
	mu sync.Mutex

	// dataMu protects data
	dataMu sync.Mutex
	data   net.Conn

	closed atomic.Bool
}

// Dial connects to an FTP server at addr ("host:port") and reads the
// greeting. With explicit TLS the connection is upgraded before returning.
//
// Example:
//
//	conn, err := ftpconn.Dial(ctx, "ftp.example.com:21",
//	    ftpconn.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}))
//	if err != nil {
//	    return err
//	}
//	defer conn.Quit(ctx)
func Dial(ctx context.Context, addr string, options ...Option) (*Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Conn{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		tlsMode: TLSNone,
		dialer:  &net.Dialer{},
		logger:  slog.New(slog.DiscardHandler),
		parsers: defaultParsers(),
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.dialer.Timeout = c.timeout

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect establishes the control connection and handles the initial handshake.
func (c *Conn) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	c.logger.Debug("connecting to ftp server", "addr", addr, "tls_mode", c.tlsMode)

	raw, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = raw

	if c.tlsMode == TLSImplicit {
		c.logger.Debug("starting TLS handshake", "mode", "implicit")
		if err := c.handshake(ctx); err != nil {
			raw.Close()
			return err
		}
		c.logger.Debug("TLS handshake complete", "mode", "implicit")
	}

	c.reader = bufio.NewReader(c.conn)

	if err := c.readGreeting(ctx); err != nil {
		c.conn.Close()
		return err
	}

	if c.tlsMode == TLSExplicit {
		if err := c.upgradeToTLS(ctx); err != nil {
			c.conn.Close()
			return err
		}
	}
	return nil
}

func (c *Conn) readGreeting(ctx context.Context) error {
	defer c.watch(ctx)()

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		return c.wrap(ctx, "failed to read greeting", err)
	}
	c.logger.Debug("ftp greeting", "code", resp.Code, "message", resp.Message)

	if resp.Code != 220 {
		return protocolError("CONNECT", resp)
	}
	return nil
}

// handshake wraps the control connection in TLS.
func (c *Conn) handshake(ctx context.Context) error {
	tlsConn := tls.Client(c.conn, c.tlsConfig)
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.conn = tlsConn
	return nil
}

// upgradeToTLS upgrades the connection to TLS using AUTH TLS.
func (c *Conn) upgradeToTLS(ctx context.Context) error {
	if _, err := c.expectCode(ctx, 234, "AUTH", "TLS"); err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}

	c.logger.Debug("starting TLS handshake", "mode", "explicit")
	if err := c.handshake(ctx); err != nil {
		return err
	}
	c.logger.Debug("TLS handshake complete", "mode", "explicit")
	c.reader = bufio.NewReader(c.conn)

	if _, err := c.expectCode(ctx, 200, "PBSZ", "0"); err != nil {
		return fmt.Errorf("PBSZ failed: %w", err)
	}
	if _, err := c.expectCode(ctx, 200, "PROT", "P"); err != nil {
		return fmt.Errorf("PROT failed: %w", err)
	}
	return nil
}

// Login authenticates with the FTP server using the provided username and password.
func (c *Conn) Login(ctx context.Context, username, password string) error {
	resp, err := c.sendCommand(ctx, "USER", username)
	if err != nil {
		return err
	}

	// 230: no password required
	if resp.Code == 230 {
		return nil
	}
	if resp.Code != 331 {
		return protocolError("USER", resp)
	}

	_, err = c.expectCode(ctx, 230, "PASS", password)
	return err
}

// Quit sends QUIT and closes the connection. A failed QUIT is not reported;
// the connection is closed either way.
func (c *Conn) Quit(ctx context.Context) error {
	if c.closed.Load() {
		return nil
	}
	_, _ = c.sendCommand(ctx, "QUIT")
	return c.Close()
}

// Close closes the control connection and any data connection.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.dataMu.Lock()
	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
	c.dataMu.Unlock()

	return c.conn.Close()
}

// Closed reports whether the connection was closed, by Close, Quit or a
// cancelled operation.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Type sets the transfer type (e.g., "A", "I").
func (c *Conn) Type(ctx context.Context, transferType string) error {
	if c.currentType == transferType {
		c.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
		return nil
	}

	if _, err := c.expectCode(ctx, 200, "TYPE", transferType); err != nil {
		return err
	}
	c.currentType = transferType
	return nil
}

// Quote sends line verbatim and returns the response. Error responses are
// returned as a Response, not as an error.
//
// Example:
//
//	resp, err := conn.Quote(ctx, "SITE CHMOD 755 script.sh")
func (c *Conn) Quote(ctx context.Context, line string) (*Response, error) {
	label, _, _ := strings.Cut(line, " ")
	return c.sendLine(ctx, line, label)
}

// Noop sends a NOOP command.
func (c *Conn) Noop(ctx context.Context) error {
	_, err := c.expect2xx(ctx, "NOOP")
	return err
}

// watch closes the connections if ctx ends before the returned stop
// function is called.
func (c *Conn) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		c.logger.Debug("operation cancelled, closing connection")
		_ = c.Close()
	})
}

// wrap annotates an I/O error, preferring the context's error when the
// failure was caused by cancellation.
func (c *Conn) wrap(ctx context.Context, msg string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%s: %w: %w", msg, cerr, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

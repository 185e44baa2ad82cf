package ftpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var (
	// pasvRegex matches the PASV response format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches the EPSV response format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV parses a PASV response and returns the host and port.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV response: %s", response)
	}

	var h [4]int
	for i := range 4 {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", fmt.Errorf("invalid PASV port parts: %s, %s", matches[5], matches[6])
	}

	return net.JoinHostPort(host, strconv.Itoa(p1*256+p2)), nil
}

// parseEPSV parses an EPSV response and returns the port.
// Example: "229 Entering Extended Passive Mode (|||6446|)"
// Returns: "6446"
func parseEPSV(response string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(response)
	if len(matches) != 2 {
		return "", fmt.Errorf("invalid EPSV response: %s", response)
	}

	port, err := strconv.Atoi(matches[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", matches[1])
	}
	return matches[1], nil
}

// resolveDataAddr replaces an unroutable PASV host (0.0.0.0, or a private
// address announced by a NATed server) with the control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}

	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		return net.JoinHostPort(controlHost, port)
	}
	if ctrl := net.ParseIP(controlHost); ip.IsPrivate() && ctrl != nil && !ctrl.IsPrivate() && !ctrl.IsLoopback() {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// formatPORT formats an address for the PORT command.
// Converts "192.168.1.100:50000" to "192,168,1,100,195,80"
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	ip = ip.To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires IPv4 address")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// formatEPRT formats an address for the EPRT command.
// Format: |d|net-prt|net-addr|tcp-port| with net-prt 1 for IPv4, 2 for IPv6.
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}

	netPrt := 2
	if ip.To4() != nil {
		netPrt = 1
	}
	return fmt.Sprintf("|%d|%s|%s|", netPrt, host, portStr), nil
}

// openDataConn opens a data connection: active when configured, otherwise
// passive, trying EPSV before PASV. If TLS is enabled the data connection is
// wrapped with session reuse.
func (c *Conn) openDataConn(ctx context.Context) (net.Conn, error) {
	if c.activeMode {
		return c.openActiveDataConn(ctx)
	}

	var addr string

	if !c.disableEPSV {
		resp, err := c.sendCommand(ctx, "EPSV")
		if err != nil {
			return nil, err
		}
		switch {
		case resp.Is2xx():
			if port, perr := parseEPSV(resp.String()); perr == nil {
				addr = net.JoinHostPort(c.host, port)
			}
		case resp.Code == 500 || resp.Code == 502:
			c.logger.Debug("EPSV not supported, using PASV")
			c.disableEPSV = true
		}
	}

	if addr == "" {
		resp, err := c.expect2xx(ctx, "PASV")
		if err != nil {
			return nil, err
		}

		addr, err = parsePASV(resp.String())
		if err != nil {
			return nil, err
		}
		addr = resolveDataAddr(addr, c.host)
	}

	c.logger.Debug("opening data connection", "addr", addr)
	dataConn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, c.wrap(ctx, "failed to connect to data port", err)
	}

	if c.tlsMode != TLSNone {
		tlsConn := tls.Client(dataConn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			dataConn.Close()
			return nil, c.wrap(ctx, "data connection TLS handshake failed", err)
		}
		dataConn = tlsConn
	}

	if c.timeout > 0 {
		return &deadlineConn{Conn: dataConn, timeout: c.timeout}, nil
	}
	return dataConn, nil
}

// openActiveDataConn listens on the control connection's local address and
// announces it with PORT (IPv4) or EPRT (IPv6). The server connects once the
// transfer command is sent; the returned conn accepts lazily on first use.
func (c *Conn) openActiveDataConn(ctx context.Context) (net.Conn, error) {
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("failed to get local address: %w", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	addr := listener.Addr().String()

	cmd, arg := "PORT", ""
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		cmd = "EPRT"
		arg, err = formatEPRT(addr)
	} else {
		arg, err = formatPORT(addr)
	}
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to format %s command: %w", cmd, err)
	}

	if _, err := c.expect2xx(ctx, cmd, arg); err != nil {
		listener.Close()
		return nil, err
	}
	c.logger.Debug("waiting for active data connection", "addr", addr)

	a := &activeDataConn{listener: listener, timeout: c.timeout}
	if c.tlsMode != TLSNone {
		a.tlsConfig = c.tlsConfig
	}
	return a, nil
}

// cmdDataConnFrom opens a data connection and sends cmd over the control
// connection. The caller must read or write the data connection and then
// call finishDataConn.
func (c *Conn) cmdDataConnFrom(ctx context.Context, cmd string, args ...string) (*Response, net.Conn, error) {
	dataConn, err := c.openDataConn(ctx)
	if err != nil {
		return nil, nil, err
	}

	if !c.trackData(dataConn) {
		dataConn.Close()
		return nil, nil, c.wrap(ctx, "connection closed", net.ErrClosed)
	}

	resp, err := c.sendCommand(ctx, cmd, args...)
	if err != nil {
		c.untrackData()
		return nil, nil, err
	}

	// 1xx: transfer starting, 2xx: already done
	if resp.Code < 100 || resp.Failed() || resp.Is3xx() {
		c.untrackData()
		return resp, nil, protocolError(cmd, resp)
	}
	return resp, dataConn, nil
}

// finishDataConn closes the data connection and reads the final response.
func (c *Conn) finishDataConn(ctx context.Context, dataConn net.Conn) error {
	if err := dataConn.Close(); err != nil {
		c.logger.Debug("closing data connection", "error", err)
	}
	c.untrackData()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.watch(ctx)()

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return c.wrap(ctx, "failed to set read deadline", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		return c.wrap(ctx, "failed to read completion response", err)
	}
	c.logger.Debug("ftp data transfer complete", "code", resp.Code, "message", resp.Message)

	if !resp.Is2xx() {
		return protocolError("DATA_TRANSFER", resp)
	}
	return nil
}

// transfer runs fn over the data connection for cmd and reads the final
// response. The data connection is closed when ctx ends.
func (c *Conn) transfer(ctx context.Context, fn func(net.Conn) error, cmd string, args ...string) error {
	_, dataConn, err := c.cmdDataConnFrom(ctx, cmd, args...)
	if err != nil {
		return err
	}

	stop := c.watch(ctx)
	ioErr := fn(dataConn)
	stop()

	if ioErr != nil {
		dataConn.Close()
		c.untrackData()
		return c.wrap(ctx, fmt.Sprintf("%s data transfer failed", cmd), ioErr)
	}
	return c.finishDataConn(ctx, dataConn)
}

func (c *Conn) trackData(dataConn net.Conn) bool {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	if c.closed.Load() {
		return false
	}
	c.data = dataConn
	return true
}

func (c *Conn) untrackData() {
	c.dataMu.Lock()
	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
	c.dataMu.Unlock()
}

// activeDataConn wraps a listener for active mode connections. The server's
// connection is accepted on first Read or Write. Close may be called from
// another goroutine; it closes the listener too, which interrupts a pending
// accept.
type activeDataConn struct {
	listener  net.Listener
	tlsConfig *tls.Config
	timeout   time.Duration

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (a *activeDataConn) get() (net.Conn, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	if a.timeout > 0 {
		if l, ok := a.listener.(*net.TCPListener); ok {
			_ = l.SetDeadline(time.Now().Add(a.timeout))
		}
	}
	raw, err := a.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("failed to accept data connection: %w", err)
	}
	a.listener.Close()

	conn = raw
	// The client side of an FTP session is always the TLS client (RFC 4217)
	if a.tlsConfig != nil {
		conn = tls.Client(raw, a.tlsConfig)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		raw.Close()
		return nil, net.ErrClosed
	}
	a.conn = conn
	a.mu.Unlock()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if a.timeout > 0 {
			_ = raw.SetDeadline(time.Now().Add(a.timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
	}
	return conn, nil
}

func (a *activeDataConn) Read(p []byte) (int, error) {
	conn, err := a.get()
	if err != nil {
		return 0, err
	}
	if a.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return conn.Read(p)
}

func (a *activeDataConn) Write(p []byte) (int, error) {
	conn, err := a.get()
	if err != nil {
		return 0, err
	}
	if a.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return conn.Write(p)
}

func (a *activeDataConn) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.mu.Unlock()

	lerr := a.listener.Close()
	if conn != nil {
		return conn.Close()
	}
	if errors.Is(lerr, net.ErrClosed) {
		return nil
	}
	return lerr
}

func (a *activeDataConn) current() net.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *activeDataConn) LocalAddr() net.Addr {
	if conn := a.current(); conn != nil {
		return conn.LocalAddr()
	}
	return a.listener.Addr()
}

func (a *activeDataConn) RemoteAddr() net.Addr {
	if conn := a.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (a *activeDataConn) SetDeadline(t time.Time) error {
	if conn := a.current(); conn != nil {
		return conn.SetDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetReadDeadline(t time.Time) error {
	if conn := a.current(); conn != nil {
		return conn.SetReadDeadline(t)
	}
	return nil
}

func (a *activeDataConn) SetWriteDeadline(t time.Time) error {
	if conn := a.current(); conn != nil {
		return conn.SetWriteDeadline(t)
	}
	return nil
}

// deadlineConn wraps a net.Conn and sets a read/write deadline before every operation.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (n int, err error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (n int, err error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

package ftpconn

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/gonzalop/ftpengine/internal/ratelimit"
)

// Option is a functional option for configuring a Conn.
type Option func(*Conn) error

// TLSMode selects how TLS is negotiated on the control connection.
type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSExplicit
	TLSImplicit
)

func (m TLSMode) String() string {
	switch m {
	case TLSExplicit:
		return "explicit"
	case TLSImplicit:
		return "implicit"
	default:
		return "none"
	}
}

// WithTimeout sets the timeout for connection and operations.
// This applies to both the initial connection and subsequent read/write operations.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Conn) error {
		c.timeout = timeout
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS).
// The client connects on the standard FTP port (21) and upgrades to TLS
// using the AUTH TLS command.
//
// A ClientSessionCache will be automatically added if not present to enable
// TLS session reuse for data connections.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Conn) error {
		if c.tlsMode == TLSImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		c.tlsConfig = withSessionCache(config)
		c.tlsMode = TLSExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode.
// The client connects directly with TLS, typically on port 990.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Conn) error {
		if c.tlsMode == TLSExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		c.tlsConfig = withSessionCache(config)
		c.tlsMode = TLSImplicit
		return nil
	}
}

func withSessionCache(config *tls.Config) *tls.Config {
	if config == nil {
		config = &tls.Config{}
	} else {
		config = config.Clone()
	}
	if config.ClientSessionCache == nil {
		config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return config
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and responses will be logged at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) error {
		c.logger = logger
		return nil
	}
}

// WithDisableEPSV disables the use of the EPSV command.
// By default, the client tries EPSV before falling back to PASV.
func WithDisableEPSV() Option {
	return func(c *Conn) error {
		c.disableEPSV = true
		return nil
	}
}

// WithActiveMode enables active mode (PORT/EPRT) instead of passive mode
// (EPSV/PASV). The client listens on the control connection's local address
// and the server connects to it. This may not work behind NAT or firewalls.
func WithActiveMode() Option {
	return func(c *Conn) error {
		c.activeMode = true
		return nil
	}
}

// WithBandwidthLimit throttles data connections to bytesPerSecond.
// Zero or a negative value leaves them unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Conn) error {
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithListParser adds a directory listing parser.
// Custom parsers are tried before the built-in parsers (EPLF, DOS, Unix).
func WithListParser(parser ListingParser) Option {
	return func(c *Conn) error {
		c.parsers = append([]ListingParser{parser}, c.parsers...)
		return nil
	}
}

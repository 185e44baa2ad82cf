package ftpengine

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithLogger enables logging using the provided logger.
// Command dispatch and protocol chatter are logged at debug level.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	engine, _ := ftpengine.New(ftpengine.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithResolver sets the host name resolver. The default is net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(e *Engine) error {
		e.resolvers.resolver = r
		return nil
	}
}

// WithCache sets the directory cache consulted by List. Passing nil disables
// caching. The default is a MemoryCache private to the engine.
func WithCache(c DirectoryCache) Option {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithMetrics sets a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithTransport registers the transport used for servers of protocol p,
// replacing any built-in one.
func WithTransport(p Protocol, f TransportFactory) Option {
	return func(e *Engine) error {
		if f == nil {
			return fmt.Errorf("nil transport factory for %s", p)
		}
		e.transports[p] = f
		return nil
	}
}

// WithTimeout sets the FTP connect and per-operation I/O timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) error {
		if timeout < 0 {
			return fmt.Errorf("negative timeout %s", timeout)
		}
		e.ftp.timeout = timeout
		return nil
	}
}

// WithTLSConfig sets the TLS configuration used for servers with a TLS mode
// other than TLSNone. ServerName defaults to the server host.
func WithTLSConfig(config *tls.Config) Option {
	return func(e *Engine) error {
		e.ftp.tlsConfig = config
		return nil
	}
}

// WithBandwidthLimit limits FTP data connections to bytesPerSecond.
// Zero disables the limit.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(e *Engine) error {
		if bytesPerSecond < 0 {
			return fmt.Errorf("negative bandwidth limit %d", bytesPerSecond)
		}
		e.ftp.bandwidth = bytesPerSecond
		return nil
	}
}

// WithDisableEPSV makes the FTP transport use PASV directly.
func WithDisableEPSV() Option {
	return func(e *Engine) error {
		e.ftp.disableEPSV = true
		return nil
	}
}

// WithActiveMode makes the FTP transport use active mode (PORT/EPRT) for
// listings and transfers: the server connects back to the client. Passive
// mode is the default and works better behind NAT.
func WithActiveMode() Option {
	return func(e *Engine) error {
		e.ftp.activeMode = true
		return nil
	}
}

// WithIdleTimeout makes the FTP transport send a NOOP after the session was
// idle for timeout, so that servers do not drop connections kept open
// between commands. Zero, the default, disables keep-alive.
//
// Example:
//
//	engine, _ := ftpengine.New(ftpengine.WithIdleTimeout(time.Minute))
func WithIdleTimeout(timeout time.Duration) Option {
	return func(e *Engine) error {
		if timeout < 0 {
			return fmt.Errorf("negative idle timeout %s", timeout)
		}
		e.ftp.idleTimeout = timeout
		return nil
	}
}

// MetricsCollector is an optional interface for collecting engine metrics.
// Methods are called on the control loop and should not block.
type MetricsCollector interface {
	// RecordCommand records the final reply of a command and how long it
	// took from dispatch to finalization.
	RecordCommand(kind CommandKind, reply Reply, duration time.Duration)

	// RecordNotification records a notification queued for the consumer.
	// kind is e.g. "operation_complete" or "listing".
	RecordNotification(kind string)

	// RecordCacheLookup records a directory cache lookup. usable is false
	// for misses and for hits rejected because of unsure entries.
	RecordCacheLookup(usable bool)

	// RecordTransfer records a finished file transfer.
	RecordTransfer(download bool, bytes int64, duration time.Duration)
}

package ftpconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/gonzalop/ftpengine/internal/ratelimit"
)

// Retrieve downloads the remote path into w, starting at offset.
// The transfer is performed in binary mode (TYPE I). A positive offset
// sends REST first, so w must already hold the first offset bytes.
//
// Example:
//
//	file, err := os.Create("local.bin")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = conn.Retrieve(ctx, "remote.bin", file, 0)
func (c *Conn) Retrieve(ctx context.Context, remotePath string, w io.Writer, offset int64) error {
	if err := c.Type(ctx, "I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	if offset > 0 {
		if err := c.RestartAt(ctx, offset); err != nil {
			return fmt.Errorf("failed to set restart marker: %w", err)
		}
	}

	return c.transfer(ctx, func(dataConn net.Conn) error {
		_, err := io.Copy(w, c.limitReader(ctx, dataConn))
		return err
	}, "RETR", remotePath)
}

// Store uploads r to the remote path. A positive offset appends with APPE
// instead of STOR, resuming a previous partial upload; r must then start at
// that offset.
func (c *Conn) Store(ctx context.Context, remotePath string, r io.Reader, offset int64) error {
	if err := c.Type(ctx, "I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	cmd := "STOR"
	if offset > 0 {
		cmd = "APPE"
	}

	return c.transfer(ctx, func(dataConn net.Conn) error {
		_, err := io.Copy(c.limitWriter(ctx, dataConn), r)
		return err
	}, cmd, remotePath)
}

// RestartAt sets the restart marker for the next transfer.
// This implements RFC 3959 - The FTP REST Extension.
func (c *Conn) RestartAt(ctx context.Context, offset int64) error {
	_, err := c.expectCode(ctx, 350, "REST", strconv.FormatInt(offset, 10))
	return err
}

func (c *Conn) limitReader(ctx context.Context, r io.Reader) io.Reader {
	return ratelimit.NewReader(ctx, r, c.limiter)
}

func (c *Conn) limitWriter(ctx context.Context, w io.Writer) io.Writer {
	return ratelimit.NewWriter(ctx, w, c.limiter)
}

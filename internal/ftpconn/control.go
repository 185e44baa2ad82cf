package ftpconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550)
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the response code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Failed returns true for 4xx and 5xx responses.
func (r *Response) Failed() bool {
	return r.Code >= 400
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// readResponse reads a complete FTP response from the reader.
// It handles both single-line and multi-line responses.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// The response is complete when a line starts with the code followed by a space.
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil || code < 100 || line[0] < '1' || line[0] > '9' {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	lines := []string{line}

	if line[3] == ' ' {
		return &Response{
			Code:    code,
			Message: line[4:],
			Lines:   lines,
		}, nil
	}

	// Multi-line response must start with '-'
	if line[3] != '-' {
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	if err := readMultiLine(r, line[0:3], &lines); err != nil {
		return nil, err
	}

	codeStr := line[0:3]
	var messageLines []string
	for _, l := range lines {
		if len(l) >= 4 && l[0:3] == codeStr && (l[3] == '-' || l[3] == ' ') {
			messageLines = append(messageLines, l[4:])
		} else {
			messageLines = append(messageLines, strings.TrimSpace(l))
		}
	}

	return &Response{
		Code:    code,
		Message: strings.Join(messageLines, "\n"),
		Lines:   lines,
	}, nil
}

func readMultiLine(r *bufio.Reader, codeStr string, lines *[]string) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("unexpected EOF reading response")
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		// RFC 2389 continuation (starts with space)
		if len(line) > 0 && line[0] == ' ' {
			*lines = append(*lines, line)
			continue
		}

		if len(line) < 4 || line[0:3] != codeStr {
			// Free-form continuation text, as sent by many servers
			*lines = append(*lines, line)
			continue
		}

		*lines = append(*lines, line)

		if line[3] == ' ' {
			return nil
		}
	}
}

// sendCommand sends an FTP command and returns the response.
func (c *Conn) sendCommand(ctx context.Context, command string, args ...string) (*Response, error) {
	cmd := command
	if len(args) > 0 {
		cmd = command + " " + strings.Join(args, " ")
	}
	return c.sendLine(ctx, cmd, command)
}

// sendLine writes one raw command line and reads the response. label names
// the command in logs and errors.
func (c *Conn) sendLine(ctx context.Context, line, label string) (*Response, error) {
	if strings.EqualFold(label, "PASS") {
		c.logger.Debug("ftp command", "cmd", "PASS ***")
	} else {
		c.logger.Debug("ftp command", "cmd", line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	defer c.watch(ctx)()

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, c.wrap(ctx, "failed to set deadline", err)
		}
	}

	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		return nil, c.wrap(ctx, "failed to send command", err)
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		return nil, c.wrap(ctx, "failed to read response", err)
	}

	c.logger.Debug("ftp response", "code", resp.Code, "message", resp.Message)
	return resp, nil
}

// expectCode sends a command and verifies the response code matches the expected code.
func (c *Conn) expectCode(ctx context.Context, expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, protocolError(command, resp)
	}
	return resp, nil
}

// expect2xx sends a command and verifies the response is in the 2xx range (success).
func (c *Conn) expect2xx(ctx context.Context, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, protocolError(command, resp)
	}
	return resp, nil
}

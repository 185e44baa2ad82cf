package ftpconn

import (
	"io"
	"sync/atomic"
)

// ProgressReader wraps an io.Reader and counts the bytes read.
// Total may be read from other goroutines while a transfer runs.
type ProgressReader struct {
	// Reader is the underlying reader
	Reader io.Reader

	// Callback is called after each Read that moved data
	Callback func(bytesTransferred int64)

	total atomic.Int64
}

// Read implements io.Reader.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		total := pr.total.Add(int64(n))
		if pr.Callback != nil {
			pr.Callback(total)
		}
	}
	return n, err
}

// Total returns the bytes read so far.
func (pr *ProgressReader) Total() int64 {
	return pr.total.Load()
}

// ProgressWriter wraps an io.Writer and counts the bytes written.
type ProgressWriter struct {
	// Writer is the underlying writer
	Writer io.Writer

	// Callback is called after each Write that moved data
	Callback func(bytesTransferred int64)

	total atomic.Int64
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		total := pw.total.Add(int64(n))
		if pw.Callback != nil {
			pw.Callback(total)
		}
	}
	return n, err
}

// Total returns the bytes written so far.
func (pw *ProgressWriter) Total() int64 {
	return pw.total.Load()
}

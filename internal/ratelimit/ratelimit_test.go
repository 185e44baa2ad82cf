package ratelimit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"Valid rate", 1024, false},
		{"Zero rate (unlimited)", 0, true},
		{"Negative rate (unlimited)", -1, true},
		{"Very low rate", 1, false},
		{"High rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil {
				assert.Nil(t, limiter)
				return
			}
			require.NotNil(t, limiter)
			assert.LessOrEqual(t, limiter.burst, chunkSize)
			assert.Positive(t, limiter.burst)
		})
	}
}

func TestNilLimiterPassesThrough(t *testing.T) {
	r := bytes.NewReader([]byte("test data"))
	assert.Same(t, r, NewReader(context.Background(), r, nil))

	var buf bytes.Buffer
	assert.Same(t, &buf, NewWriter(context.Background(), &buf, nil))
}

func TestReader_LargeTransfer(t *testing.T) {
	data := make([]byte, 10*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	// 5KB/s with a 5KB burst: the second half waits about one second
	reader := NewReader(context.Background(), bytes.NewReader(data), New(5*1024))

	start := time.Now()
	result, err := io.ReadAll(reader)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, data, result)
	assert.GreaterOrEqual(t, duration, 800*time.Millisecond)
	assert.Less(t, duration, 3*time.Second)
}

func TestWriter_LargeTransfer(t *testing.T) {
	data := make([]byte, 10*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	writer := NewWriter(context.Background(), &buf, New(5*1024))

	start := time.Now()
	n, err := writer.Write(data)
	duration := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf.Bytes())
	assert.GreaterOrEqual(t, duration, 800*time.Millisecond)
	assert.Less(t, duration, 3*time.Second)
}

func TestSmallTransferWithinBurst(t *testing.T) {
	data := make([]byte, 1024)
	reader := NewReader(context.Background(), bytes.NewReader(data), New(1024*1024))

	start := time.Now()
	result, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Len(t, result, len(data))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestCancelStopsWait(t *testing.T) {
	// 1KB/s: the second chunk would wait about a second
	limiter := New(1024)
	ctx, cancel := context.WithCancel(context.Background())

	var buf bytes.Buffer
	writer := NewWriter(ctx, &buf, limiter)

	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	n, err := writer.Write(make([]byte, 4*1024))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1024, n)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	reader := NewReader(ctx, bytes.NewReader(make([]byte, 1024)), limiter)
	_, err = reader.Read(make([]byte, 1024))
	assert.ErrorIs(t, err, context.Canceled)
}

func BenchmarkWriter(b *testing.B) {
	data := make([]byte, 1024)
	limiter := New(1024 * 1024 * 1024)

	for b.Loop() {
		var buf bytes.Buffer
		writer := NewWriter(context.Background(), &buf, limiter)
		if _, err := writer.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}

package ftpengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplyString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reply Reply
		want  string
	}{
		{ReplyOK, "OK"},
		{ReplyWouldBlock, "WouldBlock"},
		{ReplyError, "Error"},
		{ReplyDisconnected, "Disconnected"},
		{ReplyCanceled | ReplyDisconnected, "Canceled|Disconnected"},
		{ReplyError | ReplyDisconnected, "Error|Disconnected"},
		{ReplyPasswordFailed, "PasswordFailed"},
		{ReplyCriticalError, "CriticalError"},
		{ReplyTimeout | ReplyDisconnected, "Timeout|Disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.reply.String())
		})
	}
}

func TestReplyFlags(t *testing.T) {
	t.Parallel()

	r := ReplyCanceled | ReplyDisconnected
	assert.True(t, r.Failed())
	assert.True(t, r.Has(ReplyCanceled))
	assert.True(t, r.Has(ReplyDisconnected))
	assert.False(t, r.Has(ReplyTimeout))
	assert.False(t, r.Has(ReplyOK))

	assert.False(t, ReplyDisconnected.Failed())
	assert.False(t, ReplyWouldBlock.Failed())
	assert.True(t, ReplyPasswordFailed.Has(ReplyCriticalError))
}

func TestReplyErr(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ReplyOK.Err())
	assert.NoError(t, ReplyWouldBlock.Err())
	assert.NoError(t, ReplyDisconnected.Err())

	err := (ReplyCanceled | ReplyDisconnected).Err()
	assert.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.EqualError(t, err, "ftpengine: Canceled|Disconnected")

	var ce *CommandError
	if assert.True(t, errors.As(err, &ce)) {
		assert.Equal(t, ReplyCanceled|ReplyDisconnected, ce.Reply)
	}

	assert.ErrorIs(t, ReplyPasswordFailed.Err(), ErrPasswordFailed)
}

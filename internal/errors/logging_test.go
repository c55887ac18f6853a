package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newBufferedLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(nil)
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	return logger, &buf
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(nil)
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "Logger should use JSON formatter")

	base := logrus.New()
	assert.Same(t, base, NewLogger(base).Logger)
}

func TestLogger_LogError(t *testing.T) {
	logger, buf := newBufferedLogger()

	err := New(ErrCodeHistoryFetch, "history call failed").WithContext("peer", "p1")
	logger.LogError(err, "History fetch failed", logrus.Fields{"viewer": "me"})

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"error_code":"HISTORY_FETCH"`)
	assert.Contains(t, out, `"peer":"p1"`)
	assert.Contains(t, out, `"viewer":"me"`)
	assert.Contains(t, out, `"msg":"History fetch failed"`)
}

func TestLogger_LogRetryableError(t *testing.T) {
	t.Run("retryable logs at warn", func(t *testing.T) {
		logger, buf := newBufferedLogger()
		logger.LogRetryableError(WrapRetryable(errors.New("eof"), ErrCodeSend, "send failed"), "Send failed")
		assert.Contains(t, buf.String(), `"level":"warning"`)
	})

	t.Run("non-retryable logs at error", func(t *testing.T) {
		logger, buf := newBufferedLogger()
		logger.LogRetryableError(New(ErrCodeSend, "send failed"), "Send failed")
		assert.Contains(t, buf.String(), `"level":"error"`)
	})
}

func TestLogger_WithError_PlainError(t *testing.T) {
	logger, buf := newBufferedLogger()
	logger.WithError(errors.New("plain")).Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"error":"plain"`)
	assert.NotContains(t, out, "error_code")
}

package recoverability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
)

type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return e.msg }
func (e statusErr) StatusCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Verdict
	}{
		{"nil", nil, Unknown},
		{"canceled", context.Canceled, Permanent},
		{"wrapped canceled", fmt.Errorf("step: %w", context.Canceled), Permanent},
		{"deadline", context.DeadlineExceeded, Transient},
		{"net timeout", timeoutErr{}, Transient},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), Transient},
		{"conn refused", syscall.ECONNREFUSED, Transient},
		{"unexpected eof", io.ErrUnexpectedEOF, Transient},
		{"marked transient", MarkTransient(errors.New("whatever")), Transient},
		{"marked permanent", MarkPermanent(errors.New("timeout")), Permanent},
		{"retryable", apperrors.NewRetryable("upstream", apperrors.CategoryInternal), Transient},
		{"non retryable", apperrors.NewNonRetryable("bad", apperrors.CategoryInternal), Permanent},
		{"validation category", apperrors.New("bad field", apperrors.CategoryValidation), Permanent},
		{"not found category", apperrors.New("missing", apperrors.CategoryNotFound), Permanent},
		{"external category", apperrors.New("upstream", apperrors.CategoryExternal), Transient},
		{"rate limit category", apperrors.New("slow down", apperrors.CategoryRateLimit), Transient},
		{"plain", errors.New("card declined"), Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	assert.Equal(t, Transient, Classify(statusErr{code: 503, msg: "unavailable"}))
	assert.Equal(t, Transient, Classify(statusErr{code: 429, msg: "slow"}))
	assert.Equal(t, Transient, Classify(statusErr{code: 408, msg: "request"}))
	assert.Equal(t, Permanent, Classify(statusErr{code: 404, msg: "missing"}))
	assert.Equal(t, Unknown, Classify(statusErr{code: 302, msg: "moved"}))

	appErr := apperrors.New("gateway", apperrors.CategoryHandler).WithCode(502)
	assert.Equal(t, Transient, Classify(appErr))
}

func TestClassifyMessagePatterns(t *testing.T) {
	assert.Equal(t, Transient, Classify(errors.New("upstream Timeout while reading")))
	assert.Equal(t, Transient, Classify(errors.New("resource temporarily unavailable")))
	assert.Equal(t, Transient, Classify(errors.New("connection lost")))
}

func TestStatusCodeOutranksMessage(t *testing.T) {
	err := statusErr{code: 400, msg: "connection header invalid"}
	assert.Equal(t, Permanent, Classify(err))
}

func TestKindOutranksStatusCode(t *testing.T) {
	err := fmt.Errorf("%w: %w", context.Canceled, statusErr{code: 503, msg: "unavailable"})
	assert.Equal(t, Permanent, Classify(err))
}

func TestWithRulesConsultsCustomRulesFirst(t *testing.T) {
	declined := errors.New("card declined")
	c := WithRules(func(err error) (Verdict, bool) {
		if errors.Is(err, declined) {
			return Transient, true
		}
		return Unknown, false
	})

	assert.Equal(t, Transient, c.Classify(declined))
	assert.Equal(t, Permanent, c.Classify(context.Canceled))
}

func TestClassifierFunc(t *testing.T) {
	c := ClassifierFunc(func(error) Verdict { return Permanent })
	assert.Equal(t, Permanent, c.Classify(errors.New("x")))
	assert.False(t, Permanent.Retryable())
	assert.False(t, Unknown.Retryable())
	assert.True(t, Transient.Retryable())
	assert.Equal(t, "transient", Transient.String())
}

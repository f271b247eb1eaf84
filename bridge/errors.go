package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateID is returned when a correlation id is already pending.
	// Ids come from a 128-bit generator, so this indicates a broken generator.
	ErrDuplicateID = errors.New("bridge: duplicate correlation id")

	// ErrPublishFailed is matched by every PublishError
	ErrPublishFailed = errors.New("bridge: publish failed")

	// ErrTimeout is matched by every TimeoutError
	ErrTimeout = errors.New("bridge: request timed out")

	// ErrUnmatchedReply is matched by every UnmatchedReplyError
	ErrUnmatchedReply = errors.New("bridge: unmatched reply")

	// ErrAbandoned resolves a request whose caller stopped waiting
	ErrAbandoned = errors.New("bridge: request abandoned")

	// ErrBridgeClosed is returned once the bridge has been closed
	ErrBridgeClosed = errors.New("bridge: closed")

	// ErrTooManyPending is returned when the pending table is full
	ErrTooManyPending = errors.New("bridge: too many pending requests")
)

// PublishError reports a request that the transport refused to send
type PublishError struct {
	ID         string
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("bridge: publish of request %s to %s/%s failed: %v",
		e.ID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrPublishFailed) hold
func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailed
}

// TimeoutError reports a request that saw no reply before its deadline
type TimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: response timed out after %v (correlationId=%s)", e.Timeout, e.ID)
}

// Is makes errors.Is(err, ErrTimeout) hold
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// UnmatchedReplyError describes a reply with no pending request
type UnmatchedReplyError struct {
	CorrelationID string
	// Attempts is the number of times the broker has delivered the reply
	Attempts int
	// Discarded is true when the reply was acknowledged and dropped
	Discarded bool
}

func (e *UnmatchedReplyError) Error() string {
	id := e.CorrelationID
	if id == "" {
		id = "<missing>"
	}
	action := "requeued"
	if e.Discarded {
		action = "discarded"
	}
	return fmt.Sprintf("bridge: unmatched reply %s %s after %d deliveries", id, action, e.Attempts)
}

// Is makes errors.Is(err, ErrUnmatchedReply) hold
func (e *UnmatchedReplyError) Is(target error) bool {
	return target == ErrUnmatchedReply
}

// IsTimeout reports whether err is a request timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsPublishFailed reports whether err is a publish failure
func IsPublishFailed(err error) bool {
	return errors.Is(err, ErrPublishFailed)
}

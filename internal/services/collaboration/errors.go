package collaboration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"workspace-collab/internal/logger"
	"workspace-collab/internal/metrics"

	"github.com/rs/zerolog"
)

// WsError is a domain error whose Message is safe to show to the client.
// Reason is a short label used for metrics.
type WsError struct {
	Message string
	Reason  string
}

func (e *WsError) Error() string {
	return e.Message
}

func NewWsError(reason, format string, args ...any) *WsError {
	return &WsError{Message: fmt.Sprintf(format, args...), Reason: reason}
}

var (
	ErrAuthRequired = &WsError{Message: "Authentication required", Reason: "unauthorized"}
	ErrUnauthorized = &WsError{Message: "Unauthorized", Reason: "unauthorized"}
	ErrForbidden    = &WsError{Message: "Not joined to this workspace", Reason: "forbidden"}
	ErrBadFrame     = &WsError{Message: "Malformed message", Reason: "malformed"}
)

const internalErrorMessage = "Internal server error"

// ExceptionFilter is the single exit point for handler errors. Known
// WsErrors keep their message; everything else is reported generically.
type ExceptionFilter struct {
	log     zerolog.Logger
	quiet   bool
	metrics metrics.Recorder
	now     func() time.Time
}

func NewExceptionFilter(log zerolog.Logger, quiet bool) *ExceptionFilter {
	return &ExceptionFilter{
		log:     log,
		quiet:   quiet,
		metrics: metrics.Nop{},
		now:     time.Now,
	}
}

// Resolve returns the client-facing message and metrics reason for err
func Resolve(err error) (message, reason string) {
	var wsErr *WsError
	if errors.As(err, &wsErr) {
		return wsErr.Message, wsErr.Reason
	}
	return internalErrorMessage, "internal"
}

func (f *ExceptionFilter) Catch(ctx context.Context, c *Connection, err error) {
	if err == nil {
		return
	}
	message, reason := Resolve(err)
	f.metrics.MessageRejected(reason)

	if !f.quiet {
		ev := f.log.Warn()
		if reason == "internal" {
			ev = f.log.Error()
		}
		logger.WithTrace(ctx, ev).
			Err(err).
			Str("connection_id", c.ID).
			Str("reason", reason).
			Msg("socket message failed")
	}

	frame, encErr := encodeFrame(EventError, ErrorMessage{Message: message, Timestamp: f.now()})
	if encErr != nil {
		f.log.Error().Err(encErr).Msg("encoding error frame")
		return
	}
	if sendErr := c.Send(frame); sendErr != nil && !f.quiet {
		f.log.Debug().Err(sendErr).Str("connection_id", c.ID).Msg("error frame not delivered")
	}
}

// Recover turns a recovered panic value into a generic client error
func (f *ExceptionFilter) Recover(ctx context.Context, c *Connection, r any) {
	if !f.quiet {
		f.log.Error().
			Str("connection_id", c.ID).
			Str("stack", string(debug.Stack())).
			Msgf("panic in socket handler: %v", r)
	}
	f.Catch(ctx, c, fmt.Errorf("panic: %v", r))
}

package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

// isConnectionError marks broker-side conditions that clear on reconnect.
func isConnectionError(err error) bool {
	return errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrDisconnected)
}

// isRejectedEvent marks failures caused by the event itself. Retrying the
// same payload cannot succeed and the broker is healthy.
func isRejectedEvent(err error) bool {
	return errors.Is(err, nats.ErrMaxPayload) ||
		errors.Is(err, nats.ErrBadSubject) ||
		errors.Is(err, nats.ErrInvalidMsg)
}

func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case isRejectedEvent(err):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case resilience.IsCircuitOpen(err), isConnectionError(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
}

// wrapPublishError names the upload that could not be queued and attaches
// the kind the HTTP adapter maps to a status: a rejected event is the
// client's problem, a broker outage is worth retrying later.
func wrapPublishError(event ports.UploadEvent, err error) error {
	if err == nil {
		return nil
	}
	op := fmt.Sprintf("queue upload %s", event.Filename)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrInvalidInput):
		return err
	case isRejectedEvent(err):
		return domain.WrapError(domain.ErrInvalidInput, op, err)
	case classifyNATSError(err).Retryable, errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrTemporary, op, err)
	default:
		return fmt.Errorf("%s (storage key %s): %w", op, event.StorageKey, err)
	}
}

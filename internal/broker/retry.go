package broker

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/cenkalti/backoff/v4"

	"github.com/servicehub/backend/internal/apperr"
)

// Transient broker failures are retried this many times in total.
const maxBrokerAttempts = 3

// translate maps SDK failures onto the stable error kinds callers switch
// on. Context errors pass through so cancellation stays recognizable.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeNotFound:
			return apperr.Wrap(apperr.KindNotFound, op, err)
		case azservicebus.CodeTimeout, azservicebus.CodeConnectionLost:
			return apperr.Wrap(apperr.KindTransient, op, err)
		case azservicebus.CodeUnauthorizedAccess, azservicebus.CodeLockLost:
			return apperr.Wrap(apperr.KindExternalService, op, err)
		default:
			return apperr.Wrap(apperr.KindExternalService, op, err)
		}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return apperr.Wrap(apperr.KindNotFound, op, err)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable,
			http.StatusBadGateway, http.StatusGatewayTimeout:
			return apperr.Wrap(apperr.KindTransient, op, err)
		default:
			return apperr.Wrap(apperr.KindExternalService, op, err)
		}
	}

	return apperr.Wrap(apperr.KindExternalService, op, err)
}

// withRetry runs fn with exponential backoff and jitter, retrying only
// failures translated as Transient. Receive waits are excluded: their
// scan loops already carry an attempt budget.
func withRetry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxBrokerAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := translate(op, fn())
		if err == nil {
			return nil
		}
		if apperr.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

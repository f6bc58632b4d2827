package binance

import (
	"context"
	"errors"
	"fmt"
	"net"

	apperrors "stop_engine/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
)

// mapError translates API and transport failures into the shared taxonomy
// so the executor can tell transient from fatal.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		var kind error
		switch apiErr.Code {
		case -1000, -1001, -1006, -1007:
			kind = apperrors.ErrNetwork
		case -1003, -1015:
			kind = apperrors.ErrRateLimitExceeded
		case -1008:
			kind = apperrors.ErrSystemOverload
		case -1021:
			kind = apperrors.ErrTimestampOutOfBounds
		case -1121:
			kind = apperrors.ErrInvalidSymbol
		case -1111, -1013, -4003:
			kind = apperrors.ErrInvalidOrderParameter
		case -2010, -2018, -2019:
			kind = apperrors.ErrInsufficientFunds
		case -2011, -2013:
			kind = apperrors.ErrOrderNotFound
		case -2014, -2015:
			kind = apperrors.ErrAuthenticationFailed
		case -2022:
			kind = apperrors.ErrReduceOnlyRejected
		case -4015, -4116:
			kind = apperrors.ErrDuplicateOrder
		default:
			kind = apperrors.ErrOrderRejected
		}
		return fmt.Errorf("binance %d %s: %w", apiErr.Code, apiErr.Message, kind)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, apperrors.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%v: %w", err, apperrors.ErrTimeout)
		}
		return fmt.Errorf("%v: %w", err, apperrors.ErrNetwork)
	}
	return err
}

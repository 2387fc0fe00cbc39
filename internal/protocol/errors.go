package protocol

import (
	"context"
	"errors"

	"pixelcanvas.ai/internal/canvas"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	ErrBadRequest        = "E_BAD_REQUEST"
	ErrInvalidCoordinate = "E_INVALID_COORDINATE"
	ErrAlreadyOwned      = "E_ALREADY_OWNED"
	ErrRequestTooLarge   = "E_REQUEST_TOO_LARGE"
	ErrTransient         = "E_TRANSIENT"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrBadRequest:        {},
	ErrInvalidCoordinate: {},
	ErrAlreadyOwned:      {},
	ErrRequestTooLarge:   {},
	ErrTransient:         {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps an error onto its wire code. nil maps to "".
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, canvas.ErrRequestTooLarge):
		return ErrRequestTooLarge
	case errors.Is(err, canvas.ErrAlreadyOwned):
		return ErrAlreadyOwned
	case errors.Is(err, canvas.ErrInvalidCoordinate):
		return ErrInvalidCoordinate
	case errors.Is(err, canvas.ErrInvalidRequest):
		return ErrBadRequest
	case errors.Is(err, canvas.ErrTransientFetch),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrTransient
	}
	return ErrInternal
}

// ErrorFor is the inverse used by clients decoding ACKs and HTTP errors.
func ErrorFor(code string) error {
	switch code {
	case "":
		return nil
	case ErrRequestTooLarge:
		return canvas.ErrRequestTooLarge
	case ErrAlreadyOwned:
		return canvas.ErrAlreadyOwned
	case ErrInvalidCoordinate:
		return canvas.ErrInvalidCoordinate
	case ErrBadRequest, ErrProtoBadRequest:
		return canvas.ErrInvalidRequest
	case ErrTransient:
		return canvas.ErrTransientFetch
	}
	return errors.New(code)
}

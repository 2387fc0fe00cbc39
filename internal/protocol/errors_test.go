package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pixelcanvas.ai/internal/canvas"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBadRequest,
		ErrInvalidCoordinate,
		ErrAlreadyOwned,
		ErrRequestTooLarge,
		ErrTransient,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	conflict := &canvas.BatchError{Failures: []canvas.CellFailure{canvas.ConflictFailure(canvas.Coord{}, "x")}}
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", canvas.ErrRequestTooLarge), ErrRequestTooLarge},
		{conflict, ErrAlreadyOwned},
		{canvas.ErrInvalidCoordinate, ErrInvalidCoordinate},
		{canvas.ErrInvalidRequest, ErrBadRequest},
		{canvas.ErrTransientFetch, ErrTransient},
		{context.DeadlineExceeded, ErrTransient},
		{errors.New("boom"), ErrInternal},
	}
	for _, c := range cases {
		if got := CodeFor(c.err); got != c.want {
			t.Fatalf("CodeFor(%v)=%q want %q", c.err, got, c.want)
		}
		if !IsKnownCode(CodeFor(c.err)) {
			t.Fatalf("unknown code for %v", c.err)
		}
	}
	if !errors.Is(ErrorFor(ErrAlreadyOwned), canvas.ErrAlreadyOwned) {
		t.Fatalf("ErrorFor did not invert CodeFor")
	}
}

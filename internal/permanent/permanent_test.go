package permanent

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	if Mark(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
	cause := errors.New("bad payload")
	marked := Mark(cause)
	if !Is(marked) {
		t.Fatalf("expected permanent marker")
	}
	if !errors.Is(marked, cause) {
		t.Fatalf("expected cause to stay reachable")
	}
	if !Is(fmt.Errorf("deliver: %w", marked)) {
		t.Fatalf("expected marker through wrapping")
	}
	if Is(cause) {
		t.Fatalf("plain error must not be permanent")
	}
}

func TestMarkStatus(t *testing.T) {
	t.Parallel()

	cause := errors.New("rejected")
	cases := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusBadRequest, permanent: true},
		{status: http.StatusUnprocessableEntity, permanent: true},
		{status: http.StatusRequestTimeout, permanent: false},
		{status: http.StatusTooManyRequests, permanent: false},
		{status: http.StatusBadGateway, permanent: false},
		{status: 0, permanent: false},
	}
	for _, tc := range cases {
		if got := Is(MarkStatus(tc.status, cause)); got != tc.permanent {
			t.Fatalf("status %d: expected permanent=%v, got %v", tc.status, tc.permanent, got)
		}
	}
}

package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{
			name:  "unknown relation sentinel",
			err:   fmt.Errorf("%w: %q", ErrUnknownRelation, "database"),
			check: IsUnknownRelation,
			want:  true,
		},
		{
			name:  "incomplete state wrapped",
			err:   WrapIncompleteState("waiting for NRF address"),
			check: IsIncompleteState,
			want:  true,
		},
		{
			name:  "incomplete state is not a workload error",
			err:   WrapIncompleteState("waiting for certificates"),
			check: IsWorkload,
			want:  false,
		},
		{
			name:  "workload wrap",
			err:   WrapWorkload(errors.New("readiness timeout")),
			check: IsWorkload,
			want:  true,
		},
		{
			name:  "platform wrap",
			err:   WrapPlatformUnavailable(errors.New("connection refused")),
			check: IsPlatformUnavailable,
			want:  true,
		},
		{
			name:  "no matching request",
			err:   ErrNoMatchingRequest,
			check: IsNoMatchingRequest,
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.err); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	inner := WrapWorkload(errors.New("apply failed"))
	outer := WrapWorkload(inner)
	if outer != inner {
		t.Fatalf("double wrap should return the original error")
	}
}

func TestShouldRequeue(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      bool
		wantDelay time.Duration
	}{
		{name: "nil", err: nil, want: false},
		{name: "incomplete state requeues as safety net", err: WrapIncompleteState("waiting"), want: true, wantDelay: time.Minute},
		{name: "unknown relation is fatal", err: ErrUnknownRelation, want: false},
		{name: "platform unavailable does not spin", err: ErrPlatformUnavailable, want: false},
		{name: "transient API", err: errors.New("the server is currently unable to handle the request: service unavailable"), want: true, wantDelay: 5 * time.Second},
		{name: "unknown errors requeue with backoff", err: errors.New("boom"), want: true, wantDelay: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, delay := ShouldRequeue(tt.err)
			if got != tt.want || delay != tt.wantDelay {
				t.Fatalf("got (%v, %v), want (%v, %v)", got, delay, tt.want, tt.wantDelay)
			}
		})
	}
}

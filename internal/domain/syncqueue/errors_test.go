package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pet-health-sync/internal/platform/httpclient"
	"pet-health-sync/internal/ports/storage"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&httpclient.HTTPError{StatusCode: 401}, AuthExpired},
		{fmt.Errorf("wrap: %w", &httpclient.HTTPError{StatusCode: 422}), RemoteRejected},
		{&httpclient.HTTPError{StatusCode: 503}, RemoteRejected},
		{context.DeadlineExceeded, NetworkFailure},
		{errors.New("connection refused"), NetworkFailure},
		{fmt.Errorf("%w: disk", storage.ErrStorageUnavailable), StorageUnavailable},
		// 2xx no-JSON: la mutación no llegó al backend, se reintenta
		{fmt.Errorf("%w: status=200", httpclient.ErrInvalidResponse), NetworkFailure},
	}
	for i, c := range cases {
		got := Classify(c.err)
		if got.Kind != c.want {
			t.Fatalf("case %d: got %s want %s", i, got.Kind, c.want)
		}
	}
	if Classify(nil) != nil {
		t.Fatalf("nil error must classify to nil")
	}
}

package syncqueue

import (
	"errors"
	"fmt"
	"net/http"

	"pet-health-sync/internal/platform/httpclient"
	"pet-health-sync/internal/ports/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type ErrorKind string

const (
	NetworkFailure     ErrorKind = "network_failure"
	RemoteRejected     ErrorKind = "remote_rejected"
	AuthExpired        ErrorKind = "auth_expired"
	TerminalFailure    ErrorKind = "terminal_failure"
	StorageUnavailable ErrorKind = "storage_unavailable"
)

// ClassifiedError acompaña la falla de un replay con su categoría.
type ClassifiedError struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status=%d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify mapea un error de transporte/almacenamiento a su ErrorKind.
// Todo lo que no es auth ni storage es reintentable hasta el techo.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var he *httpclient.HTTPError
	if errors.As(err, &he) {
		kind := RemoteRejected
		if he.StatusCode == http.StatusUnauthorized {
			kind = AuthExpired
		}
		return &ClassifiedError{Kind: kind, StatusCode: he.StatusCode, Body: he.Body, Err: err}
	}

	if errors.Is(err, storage.ErrStorageUnavailable) {
		return &ClassifiedError{Kind: StorageUnavailable, Err: err}
	}

	// timeouts, conexión rechazada, DNS, deadline por acción
	return &ClassifiedError{Kind: NetworkFailure, Err: err}
}

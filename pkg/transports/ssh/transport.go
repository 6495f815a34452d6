// Package ssh fetches remote deployment sources over SSH/SFTP.
package ssh

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "download")
	Op string

	// Err is the underlying error
	Err error

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

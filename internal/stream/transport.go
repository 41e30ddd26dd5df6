package stream

import "context"

// Transport opens physical connections to a job's event feed.
//
// Dial returns once the transport is open. A credential the server refuses
// must be reported as an error wrapping ErrUnauthorized; any other error is
// treated as recoverable.
type Transport interface {
	Dial(ctx context.Context, jobID, credential string) (Conn, error)
}

// Conn is one open physical connection. Next blocks until a raw frame
// arrives, the connection fails, or ctx is done. Close must unblock a pending
// Next.
type Conn interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, jobID, credential string) (Conn, error)

func (f TransportFunc) Dial(ctx context.Context, jobID, credential string) (Conn, error) {
	return f(ctx, jobID, credential)
}

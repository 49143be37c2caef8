package domain

import "context"

// Sender writes one outbound event as one text frame on a connection.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

package system

import "context"

// Service is a long-running component owned by the Manager, such as the
// pipeline scheduler. Start returns once the component is running; Stop
// blocks until it has wound down or the context expires.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

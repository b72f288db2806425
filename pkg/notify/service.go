package notify

import (
	"context"
	"errors"

	"github.com/mihaimyh/subtrack/pkg/eventbus"
)

// Chain runs every handler for each event, even when an earlier one fails,
// and joins their errors.
func Chain(handlers ...eventbus.Handler) eventbus.Handler {
	return func(ctx context.Context, ev *eventbus.Event) error {
		var errs []error
		for _, h := range handlers {
			if err := h(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Package notify delivers operational alerts to chat sinks.
package notify

import (
	"context"
	"errors"
)

// Notifier delivers one alert message. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Alert(ctx context.Context, message string) error
}

// Multi fans an alert out to every configured sink. Delivery failures are
// collected, not short-circuited: one dead sink never silences the others.
type Multi []Notifier

// Alert sends the message to all sinks and joins any errors.
func (m Multi) Alert(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Alert(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries rule-change bumps between instances.
const DefaultChannel = "rules.bump"

// Notifier publishes a bump whenever rules change.
type Notifier struct {
	client  *redis.Client
	channel string
	local   *Store
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithLocalStore makes Bump refresh s before publishing. The instance that
// made a change then serves it even when Redis is unreachable.
func WithLocalStore(s *Store) NotifierOption {
	return func(n *Notifier) { n.local = s }
}

// NewNotifier builds a Notifier. A nil client skips publishing.
func NewNotifier(client *redis.Client, channel string, opts ...NotifierOption) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	n := &Notifier{client: client, channel: channel}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Bump announces that rules changed. A failed local refresh does not stop
// the publish.
func (n *Notifier) Bump(ctx context.Context) error {
	if n == nil {
		return nil
	}
	var errs []error
	if n.local != nil {
		if _, err := n.local.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh local rules: %w", err))
		}
	}
	if n.client != nil {
		if err := n.client.Publish(ctx, n.channel, "bump").Err(); err != nil {
			errs = append(errs, fmt.Errorf("publish bump: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Watch refreshes the store on every bump until ctx is done. The subscription
// is established before Watch returns, so bumps published afterwards are not
// missed.
func (s *Store) Watch(ctx context.Context, client *redis.Client, channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("rule refresh after bump", slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"
)

// IncrementSuccess bumps the success counter for a credential. Kiro tokens
// also get last_used stamped.
func (s *Store) IncrementSuccess(ctx context.Context, kind CredentialKind, id int64) error {
	return s.incrementCounter(ctx, kind, id, "success_count")
}

// IncrementFail bumps the failure counter for a credential.
func (s *Store) IncrementFail(ctx context.Context, kind CredentialKind, id int64) error {
	return s.incrementCounter(ctx, kind, id, "fail_count")
}

func (s *Store) incrementCounter(ctx context.Context, kind CredentialKind, id int64, column string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case KindKiro:
		now := time.Now().UTC()
		_, err := s.exec(ctx,
			`UPDATE tokens SET `+column+` = `+column+` + 1, last_used = ? WHERE id = ?`, now, id)
		if err != nil {
			return fmt.Errorf("store: increment %s: %w", column, err)
		}
		return nil
	case KindCustom:
		_, err := s.exec(ctx,
			`UPDATE custom_api_accounts SET `+column+` = `+column+` + 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: increment %s: %w", column, err)
		}
		return nil
	default:
		return fmt.Errorf("store: unknown credential kind %q", kind)
	}
}

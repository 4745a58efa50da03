package credentials

import "context"

// Checker is satisfied by Static and File.
type Checker interface {
	Verify(ctx context.Context, service, username, password string) (bool, error)
}

// Chain accepts a credential pair if any of its checkers does. Checkers
// are consulted in order and the first error stops the search.
type Chain []Checker

// Verify implements the credential check over every source in turn.
func (c Chain) Verify(ctx context.Context, service, username, password string) (bool, error) {
	for _, checker := range c {
		ok, err := checker.Verify(ctx, service, username, password)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

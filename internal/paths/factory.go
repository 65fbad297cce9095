package paths

import (
	"context"
	"strings"
)

// Load builds the binding table. Without a database URL the seed bindings
// are used as-is; otherwise seeds are upserted into PostgreSQL and the table
// holds every stored binding.
func Load(ctx context.Context, databaseURL string, seed []Binding) (*Table, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewTable(seed)
	}

	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	for _, b := range seed {
		if err := store.Upsert(ctx, b); err != nil {
			return nil, err
		}
	}
	stored, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	return NewTable(stored)
}

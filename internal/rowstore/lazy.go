package rowstore

import (
	"context"
	"errors"
	"sync"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// Lazy defers building a Store until the first Read or Write. A failed build
// is retried on the next call.
type Lazy struct {
	build func(ctx context.Context) (Store, error)

	mu    sync.Mutex
	store Store
}

// NewLazy wraps build.
func NewLazy(build func(ctx context.Context) (Store, error)) *Lazy {
	return &Lazy{build: build}
}

func (l *Lazy) get(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		return l.store, nil
	}
	st, err := l.build(ctx)
	if err != nil {
		if errors.Is(err, services.ErrInfrastructure) || errors.Is(err, services.ErrConfiguration) {
			return nil, err
		}
		return nil, services.Wrap(services.ErrInfrastructure, "rowstore", "connect", "row store unavailable", err)
	}
	l.store = st
	return st, nil
}

// Read builds the store if needed and reads rng.
func (l *Lazy) Read(ctx context.Context, spreadsheetID, rng string) ([]Row, error) {
	st, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return st.Read(ctx, spreadsheetID, rng)
}

// Write builds the store if needed and writes fields.
func (l *Lazy) Write(ctx context.Context, spreadsheetID, sheetName string, rowIndex int, fields map[Column]string) error {
	st, err := l.get(ctx)
	if err != nil {
		return err
	}
	return st.Write(ctx, spreadsheetID, sheetName, rowIndex, fields)
}

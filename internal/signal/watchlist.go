package signal

import (
	"context"
	"sync"
)

// Watchlist is a SignalSource that rotates through a fixed symbol universe,
// skipping exclusions. It stands in for the discovery/scoring layer, which
// plugs in behind the same interface.
type Watchlist struct {
	mu      sync.Mutex
	symbols []string
	next    int
}

func NewWatchlist(symbols []string) *Watchlist {
	return &Watchlist{symbols: append([]string(nil), symbols...)}
}

// NextCandidate returns the next non-excluded symbol in rotation, or ""
// when every symbol is excluded.
func (w *Watchlist) NextCandidate(ctx context.Context, exclude map[string]bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.symbols) == 0 {
		return "", nil
	}
	for i := 0; i < len(w.symbols); i++ {
		symbol := w.symbols[w.next%len(w.symbols)]
		w.next++
		if !exclude[symbol] {
			return symbol, nil
		}
	}
	return "", nil
}

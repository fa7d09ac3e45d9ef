package statestore

import (
	"context"
	"time"
)

// DefaultWatchInterval is how often Watch polls the document.
const DefaultWatchInterval = 100 * time.Millisecond

// Watch polls the document and sends every committed version whose checksum
// differs from the previous one. This picks up writes made by other processes,
// which never pass through this Store's Update. The channel is closed when ctx
// is done.
func (s *Store) Watch(ctx context.Context, interval time.Duration) <-chan *Document {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	out := make(chan *Document, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last string
		if doc, err := s.Read(); err == nil {
			last = doc.Checksum
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				doc, err := s.Read()
				if err != nil {
					if err != ErrNotFound {
						s.log.Debug("watch read failed", "error", err)
					}
					continue
				}
				if doc.Checksum == last {
					continue
				}
				last = doc.Checksum
				select {
				case out <- doc:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

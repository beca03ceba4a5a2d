package branch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-model/pkg/store"
	"github.com/i5heu/ouroboros-model/pkg/types"
)

// Watch sends every new head of the branch until ctx is done, then closes
// the channel. Reference stores that push updates are used directly; all
// others are polled every PollInterval.
func (b *Branch) Watch(ctx context.Context) (<-chan types.Hash, error) {
	last, err := b.HeadHash(ctx)
	if err != nil {
		return nil, err
	}
	return b.WatchFrom(ctx, last)
}

// WatchFrom is Watch for a caller that already read the head last.
func (b *Branch) WatchFrom(ctx context.Context, last types.Hash) (<-chan types.Hash, error) {
	out := make(chan types.Hash)

	if w, ok := b.cfg.Refs.(store.RefWatcher); ok {
		updates, err := w.WatchRef(ctx, b.key)
		if err != nil {
			return nil, err
		}
		go func() {
			defer close(out)
			// changes between reading last and subscribing
			if h, err := b.HeadHash(ctx); err == nil && h != last {
				last = h
				select {
				case out <- h:
				case <-ctx.Done():
					return
				}
			}
			for value := range updates {
				h, err := types.ParseHash(value)
				if err != nil || h == last {
					continue
				}
				last = h
				select {
				case out <- h:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			h, err := b.HeadHash(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.log.WithFields(logrus.Fields{"branch": b.key, "error": err}).Warn("polling branch head")
				}
				continue
			}
			if h == last {
				continue
			}
			last = h
			select {
			case out <- h:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WaitForChange blocks until the head differs from known and returns the
// new head. It returns ctx's error when ctx ends first.
func (b *Branch) WaitForChange(ctx context.Context, known types.Hash) (types.Hash, error) {
	h, err := b.HeadHash(ctx)
	if err != nil || h != known {
		return h, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := b.WatchFrom(ctx, known)
	if err != nil {
		return "", err
	}
	for h := range updates {
		if h != known {
			return h, nil
		}
	}
	return "", ctx.Err()
}

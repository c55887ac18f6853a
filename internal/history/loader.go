package history

import (
	"context"
	"sync"
	"time"

	"solarchat/internal/constants"
	apperrors "solarchat/internal/errors"
	"solarchat/internal/metrics"
	"solarchat/internal/privacy"
	"solarchat/internal/store"
	"solarchat/pkg/chat/types"

	"github.com/sirupsen/logrus"
)

// Fetcher is the part of the backend client the loader needs
type Fetcher interface {
	FetchHistory(ctx context.Context, viewer, peer string, limit int) ([]types.RawMessage, error)
}

// Loader fetches the stored conversation with each selected peer
type Loader struct {
	fetcher Fetcher
	limit   int
	logger  *apperrors.Logger
	verbose bool
}

func NewLoader(fetcher Fetcher, limit int, logger *logrus.Logger, verbose bool) *Loader {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Loader{
		fetcher: fetcher,
		limit:   ClampLimit(limit),
		logger:  apperrors.NewLogger(logger),
		verbose: verbose,
	}
}

// ClampLimit bounds a requested history size to [1, MaxHistoryLimit].
// Zero or negative requests use the default.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return constants.DefaultHistoryLimit
	case limit > constants.MaxHistoryLimit:
		return constants.MaxHistoryLimit
	default:
		return limit
	}
}

// Load fetches every peer concurrently and returns the normalized messages
// sorted by creation time. Results are folded in peer order, so a record
// returned for two peers keeps the copy from the later peer. A failed peer
// is logged and left out.
func (l *Loader) Load(ctx context.Context, viewer string, peers []string) []types.Message {
	if len(peers) == 0 {
		return nil
	}

	results := make([][]types.RawMessage, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = l.fetch(ctx, viewer, peer)
		}()
	}
	wg.Wait()

	var merged []types.Message
	for _, raw := range results {
		batch := make([]types.Message, 0, len(raw))
		for _, r := range raw {
			batch = append(batch, r.Normalize(viewer))
		}
		merged = store.Merge(merged, batch)
	}
	return merged
}

func (l *Loader) fetch(ctx context.Context, viewer, peer string) []types.RawMessage {
	start := time.Now()
	raw, err := l.fetcher.FetchHistory(ctx, viewer, peer, l.limit)
	metrics.RecordTimer(metrics.HistoryFetchDuration, time.Since(start), nil, "History fetch latency")

	if err != nil {
		metrics.IncrementCounter(metrics.HistoryFetchFailures, nil, "Failed history fetches")
		if ctx.Err() != nil {
			return nil
		}
		l.logger.LogWarn(err, "Failed to load history", privacy.MaskFields(logrus.Fields{
			"viewer": viewer,
			"peer":   peer,
		}, l.verbose))
		return nil
	}

	l.logger.WithFields(privacy.MaskFields(logrus.Fields{
		"peer":  peer,
		"count": len(raw),
	}, l.verbose)).Debug("History loaded")
	return raw
}

// Package history fetches past conversations and groups them into recency
// buckets for display.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/davechat/internal/metrics"
	"github.com/raphaelgruber/davechat/internal/models"
)

// Recency buckets, in display order.
const (
	BucketToday     = "Today"
	BucketYesterday = "Yesterday"
	BucketThisWeek  = "This Week"
	BucketOlder     = "Older"
)

const flightKey = "list"

// fetchTimeout bounds a shared list call, which runs apart from any one
// caller's context.
const fetchTimeout = 30 * time.Second

var bucketOrder = []string{BucketToday, BucketYesterday, BucketThisWeek, BucketOlder}

// Lister fetches conversation summaries.
type Lister interface {
	ListConversations(ctx context.Context) ([]models.ConversationListItem, error)
}

// Bucket assigns updatedAt to a recency bucket relative to now, by calendar
// day in now's location. Timestamps in the future count as today; a zero
// timestamp is Older.
func Bucket(updatedAt, now time.Time) string {
	if updatedAt.IsZero() {
		return BucketOlder
	}
	today := startOfDay(now)
	day := startOfDay(updatedAt.In(now.Location()))

	switch {
	case !day.Before(today):
		return BucketToday
	case day.Equal(today.AddDate(0, 0, -1)):
		return BucketYesterday
	case day.After(today.AddDate(0, 0, -7)):
		return BucketThisWeek
	default:
		return BucketOlder
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Group buckets items relative to now. Groups come in display order, empty
// ones are omitted, and each group is sorted most recent first.
func Group(items []models.ConversationListItem, now time.Time) []models.ConversationGroup {
	byBucket := make(map[string][]models.ConversationListItem, len(bucketOrder))
	for _, item := range items {
		if item.Title == "" {
			item.Title = models.DefaultTitle
		}
		b := Bucket(item.UpdatedAt.Time, now)
		byBucket[b] = append(byBucket[b], item)
	}

	groups := make([]models.ConversationGroup, 0, len(byBucket))
	for _, name := range bucketOrder {
		convs := byBucket[name]
		if len(convs) == 0 {
			continue
		}
		sort.SliceStable(convs, func(i, j int) bool {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt.Time)
		})
		groups = append(groups, models.ConversationGroup{Name: name, Conversations: convs})
	}
	return groups
}

// Options configures an Aggregator.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Aggregator refreshes the grouped conversation list. Concurrent refreshes
// share one backend call.
type Aggregator struct {
	lister  Lister
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	flight  singleflight.Group
}

// New creates an Aggregator.
func New(lister Lister, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		lister:  lister,
		logger:  logger.With("component", "history"),
		metrics: opts.Metrics,
		now:     now,
	}
}

// Invalidate makes the next Refresh start a new backend call instead of
// joining one already in flight. Call it after changing conversations.
func (a *Aggregator) Invalidate() {
	a.flight.Forget(flightKey)
}

// Refresh fetches the list and buckets it against the current time. The
// backend call is shared by concurrent callers, so cancelling ctx only
// abandons this caller's wait.
func (a *Aggregator) Refresh(ctx context.Context) ([]models.ConversationGroup, error) {
	ch := a.flight.DoChan(flightKey, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		start := time.Now()
		items, err := a.lister.ListConversations(callCtx)
		if err != nil {
			a.metrics.RecordFailure(metrics.OpListRefresh)
			return nil, err
		}
		a.metrics.RecordTiming(metrics.OpListRefresh, time.Since(start))
		a.logger.Debug("conversation list fetched", "count", len(items),
			"duration_ms", time.Since(start).Milliseconds())
		return items, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("list conversations: %w", res.Err)
		}
		items := res.Val.([]models.ConversationListItem)
		return Group(items, a.now()), nil
	}
}

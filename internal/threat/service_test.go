package threat

import (
	"context"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelsentry/internal/cache"
	"modelsentry/internal/config"
	"modelsentry/types"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []*types.ThreatAlert
}

func (r *recordingSink) DeliverAlert(_ context.Context, alert *types.ThreatAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingSink) delivered() []*types.ThreatAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.ThreatAlert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

type fakeMirror struct {
	mu      sync.Mutex
	writes  map[string][]int // key -> mirrored counts in write order
	pending []*types.ThreatAlert
}

func (f *fakeMirror) MirrorAlert(_ context.Context, a *types.ThreatAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = make(map[string][]int)
	}
	f.writes[a.Key] = append(f.writes[a.Key], a.Count)
	return nil
}

func (f *fakeMirror) UnmirrorAlerts(context.Context, []string) error { return nil }

func (f *fakeMirror) PendingAlerts(context.Context) ([]*types.ThreatAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

// unreachableCache returns a cache whose Redis calls fail fast. The batcher
// treats mirror failures as non-fatal, which is exactly what these tests rely
// on.
func unreachableCache() *cache.Cache {
	client := redis.NewClient(&redis.Options{
		Addr:            "127.0.0.1:1",
		DialTimeout:     10 * time.Millisecond,
		MaxRetries:      -1,
		PoolSize:        1,
		MinIdleConns:    0,
		ConnMaxIdleTime: time.Millisecond,
	})
	return cache.NewWithClient(client, "test")
}

func newTestService(sink AlertSink, maxBatch int) *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewService(nil, unreachableCache(), nil, sink, config.DetectionConfig{
		FlushInterval:         time.Minute,
		MaxBatchSize:          maxBatch,
		PatternWindow:         time.Hour,
		PatternThreshold:      5,
		MassIncidentWindow:    10 * time.Minute,
		MassIncidentThreshold: 20,
	}, logrus.NewEntry(log))
}

func alert(org, model, threatType string, sev types.Severity) *types.ThreatAlert {
	now := time.Now().UTC()
	return &types.ThreatAlert{
		Key:            alertKey(org, model, threatType),
		Kind:           types.AlertKindThreat,
		OrganizationID: org,
		ModelID:        model,
		ThreatType:     threatType,
		Severity:       sev,
		Count:          1,
		ThreatIDs:      []string{"t-" + threatType},
		FirstSeen:      now,
		LastSeen:       now,
	}
}

func TestEnqueueAlertDeduplicates(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(sink, 0)
	ctx := context.Background()

	s.enqueueAlert(ctx, alert("org-1", "model-1", "pickle_code_execution", types.SeverityMedium))
	s.enqueueAlert(ctx, alert("org-1", "model-1", "pickle_code_execution", types.SeverityCritical))
	s.enqueueAlert(ctx, alert("org-1", "model-2", "format_mismatch", types.SeverityLow))

	assert.Equal(t, 2, s.PendingCount())

	s.Flush(ctx)
	delivered := sink.delivered()
	require.Len(t, delivered, 2)

	merged := delivered[0]
	assert.Equal(t, 2, merged.Count)
	assert.Len(t, merged.ThreatIDs, 2)
	// Severity upgrades to the highest seen in the window.
	assert.Equal(t, types.SeverityCritical, merged.Severity)
}

func TestFlushPreservesInsertionOrder(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(sink, 0)
	ctx := context.Background()

	s.enqueueAlert(ctx, alert("org-1", "model-1", "first", types.SeverityLow))
	s.enqueueAlert(ctx, alert("org-1", "model-1", "second", types.SeverityLow))
	s.enqueueAlert(ctx, alert("org-1", "model-1", "third", types.SeverityLow))
	// A repeat of the first key must not move it to the back.
	s.enqueueAlert(ctx, alert("org-1", "model-1", "first", types.SeverityLow))

	s.Flush(ctx)

	delivered := sink.delivered()
	require.Len(t, delivered, 3)
	assert.Equal(t, "first", delivered[0].ThreatType)
	assert.Equal(t, "second", delivered[1].ThreatType)
	assert.Equal(t, "third", delivered[2].ThreatType)
	assert.Equal(t, 2, delivered[0].Count)
}

func TestFlushEmptyBatchDeliversNothing(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(sink, 0)

	s.Flush(context.Background())
	assert.Empty(t, sink.delivered())
}

func TestBatchOverflowTriggersFlush(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(sink, 2)
	ctx := context.Background()

	s.enqueueAlert(ctx, alert("org-1", "model-1", "first", types.SeverityLow))
	assert.Empty(t, sink.delivered())

	s.enqueueAlert(ctx, alert("org-1", "model-1", "second", types.SeverityLow))
	assert.Len(t, sink.delivered(), 2)
	assert.Equal(t, 0, s.PendingCount())
}

func TestAggregateAlertCountReplacesInsteadOfSumming(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(sink, 0)
	ctx := context.Background()

	pattern := alert("org-1", "pattern", "adversarial_input", types.SeverityHigh)
	pattern.Kind = types.AlertKindPattern
	pattern.Count = 6
	pattern.ThreatIDs = nil
	s.enqueueAlert(ctx, pattern)

	again := alert("org-1", "pattern", "adversarial_input", types.SeverityHigh)
	again.Kind = types.AlertKindPattern
	again.Count = 9
	again.ThreatIDs = nil
	s.enqueueAlert(ctx, again)

	s.Flush(ctx)
	delivered := sink.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, 9, delivered[0].Count)
}

func TestMirrorWritesFollowMergeOrder(t *testing.T) {
	mirror := &fakeMirror{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s := NewService(nil, mirror, nil, nil, config.DetectionConfig{
		FlushInterval: time.Minute,
	}, logrus.NewEntry(log))
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.enqueueAlert(ctx, alert("org-1", "model-1", "pickle_code_execution", types.SeverityMedium))
		}()
	}
	wg.Wait()

	key := alertKey("org-1", "model-1", "pickle_code_execution")
	counts := mirror.writes[key]
	require.Len(t, counts, writers)
	for i, c := range counts {
		// Each merge bumps the count by one; a stale write would break the
		// sequence and crash recovery could resurrect an older count.
		assert.Equal(t, i+1, c)
	}
}

func TestRecoverMirroredAlertsRefillsBatch(t *testing.T) {
	mirror := &fakeMirror{pending: []*types.ThreatAlert{
		alert("org-1", "model-1", "pickle_code_execution", types.SeverityHigh),
	}}
	sink := &recordingSink{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s := NewService(nil, mirror, nil, sink, config.DetectionConfig{
		FlushInterval: time.Minute,
	}, logrus.NewEntry(log))
	ctx := context.Background()

	s.recoverMirroredAlerts(ctx)
	assert.Equal(t, 1, s.PendingCount())

	s.Flush(ctx)
	delivered := sink.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, "pickle_code_execution", delivered[0].ThreatType)
}

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		from, to types.ThreatStatus
		want     bool
	}{
		{types.ThreatStatusDetected, types.ThreatStatusInvestigating, true},
		{types.ThreatStatusDetected, types.ThreatStatusFalsePositive, true},
		{types.ThreatStatusDetected, types.ThreatStatusSuppressed, true},
		{types.ThreatStatusDetected, types.ThreatStatusResolved, true},
		{types.ThreatStatusInvestigating, types.ThreatStatusResolved, true},
		{types.ThreatStatusInvestigating, types.ThreatStatusFalsePositive, true},
		{types.ThreatStatusInvestigating, types.ThreatStatusDetected, false},
		{types.ThreatStatusResolved, types.ThreatStatusInvestigating, false},
		{types.ThreatStatusFalsePositive, types.ThreatStatusResolved, false},
		{types.ThreatStatusSuppressed, types.ThreatStatusInvestigating, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, TransitionAllowed(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

package controlplane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/hashed-guard/internal/domain"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"github.com/xela07ax/hashed-guard/internal/policy"
)

type pushed struct {
	agentKey string
	tool     string
	rule     domain.Rule
}

type fakeStore struct {
	mu        sync.Mutex
	snapshot  *domain.PolicySnapshot
	syncErr   error
	syncs     atomic.Int32
	created   bool
	regErr    error
	regs      []domain.AgentRegistration
	pushErrOn string
	pushes    []pushed
}

func (s *fakeStore) SyncPolicies(_ context.Context, agentPublicKey string) (*domain.PolicySnapshot, error) {
	s.syncs.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncErr != nil {
		return nil, s.syncErr
	}
	return s.snapshot, nil
}

func (s *fakeStore) RegisterAgent(_ context.Context, reg domain.AgentRegistration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs = append(s.regs, reg)
	return s.created, s.regErr
}

func (s *fakeStore) PushPolicy(_ context.Context, agentKey, tool string, rule domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tool == s.pushErrOn {
		return errors.New("rejected")
	}
	s.pushes = append(s.pushes, pushed{agentKey, tool, rule})
	return nil
}

var agent = domain.AgentRegistration{Name: "Payments Bot", PublicKey: "pk-1", AgentType: "payments"}

func newCoordinator(t *testing.T, store *fakeStore) (*Coordinator, *policy.Engine) {
	t.Helper()
	engine := policy.NewEngine(zaptest.NewLogger(t))
	return NewCoordinator(store, engine, agent, nil, zaptest.NewLogger(t)), engine
}

func TestRegisterAgentOnce(t *testing.T) {
	store := &fakeStore{created: true}
	c, _ := newCoordinator(t, store)

	created, err := c.RegisterAgentOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, agent, store.regs[0])

	store.created = false
	created, err = c.RegisterAgentOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, created)

	store.regErr = &domain.APIError{Op: "register", StatusCode: 500}
	_, err = c.RegisterAgentOnce(context.Background())
	var apiErr *domain.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestSyncPoliciesMergesIntoEngine(t *testing.T) {
	store := &fakeStore{snapshot: &domain.PolicySnapshot{Policies: map[string]domain.Rule{
		"transfer": {Allowed: true, MaxAmount: domain.Float(100)},
	}}}
	c, engine := newCoordinator(t, store)
	require.NoError(t, engine.AddPolicy("transfer", policy.MaxAmount(5000)))
	require.NoError(t, engine.AddPolicy("search"))

	n, err := c.SyncPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rule, ok := engine.GetPolicy("transfer")
	require.True(t, ok)
	assert.Equal(t, 100.0, *rule.MaxAmount, "remote wins on conflict")
	assert.True(t, engine.HasPolicy("search"), "rules absent remotely are kept")
}

func TestSyncPoliciesFailureLeavesEngineUntouched(t *testing.T) {
	store := &fakeStore{syncErr: errors.New("timeout")}
	c, engine := newCoordinator(t, store)
	require.NoError(t, engine.AddPolicy("transfer", policy.MaxAmount(10)))

	_, err := c.SyncPolicies(context.Background())
	assert.Error(t, err)

	store.syncErr = nil
	store.snapshot = &domain.PolicySnapshot{Policies: map[string]domain.Rule{
		"transfer": {Allowed: true, MaxAmount: domain.Float(-1)},
	}}
	_, err = c.SyncPolicies(context.Background())
	assert.Error(t, err, "invalid snapshot is rejected as a whole")

	rule, _ := engine.GetPolicy("transfer")
	assert.Equal(t, 10.0, *rule.MaxAmount)
}

func TestPushLocalPolicies(t *testing.T) {
	store := &fakeStore{pushErrOn: "broken"}
	c, _ := newCoordinator(t, store)

	f, err := policy.ParseFile([]byte(`
global:
  transfer: {allowed: true, max_amount: 1000}
  broken: {allowed: true}
agents:
  payments_bot:
    refund: {allowed: false}
  other_bot:
    secret: {allowed: true}
`))
	require.NoError(t, err)

	n, err := c.PushLocalPolicies(context.Background(), f)
	assert.Error(t, err, "failed rule is reported")
	assert.Equal(t, 2, n)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.pushes, 2)
	assert.Equal(t, pushed{"", "transfer", domain.Rule{Allowed: true, MaxAmount: domain.Float(1000), Metadata: map[string]any{"source": firstRunSource}}}, store.pushes[0])
	assert.Equal(t, "pk-1", store.pushes[1].agentKey)
	assert.Equal(t, "refund", store.pushes[1].tool)
	assert.False(t, store.pushes[1].rule.Allowed)
}

func TestPushEnginePolicies(t *testing.T) {
	store := &fakeStore{}
	c, engine := newCoordinator(t, store)

	n, err := c.PushEnginePolicies(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, engine.AddPolicy("transfer", policy.MaxAmount(10)))
	n, err = c.PushEnginePolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "pk-1", store.pushes[0].agentKey)
	assert.Nil(t, store.pushes[0].rule.Metadata)
}

func TestRunKeepsGoingAfterFailures(t *testing.T) {
	store := &fakeStore{syncErr: errors.New("down")}
	c, _ := newCoordinator(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, 5*time.Millisecond)
	}()

	assert.Eventually(t, func() bool { return store.syncs.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestTriggerSync(t *testing.T) {
	store := &fakeStore{snapshot: &domain.PolicySnapshot{Policies: map[string]domain.Rule{}}}
	c, _ := newCoordinator(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, time.Hour)

	c.TriggerSync()
	c.TriggerSync() // схлопывается с предыдущим, не блокирует
	assert.Eventually(t, func() bool { return store.syncs.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestListenUpdates(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &fakeStore{snapshot: &domain.PolicySnapshot{Policies: map[string]domain.Rule{}}}
	c, _ := newCoordinator(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ListenUpdates(ctx, rdb)

	// Подписка сразу ставит внеочередную синхронизацию.
	assert.Eventually(t, func() bool { return len(c.trigger) == 1 }, 5*time.Second, 5*time.Millisecond)
	<-c.trigger

	mr.Publish(infra.RedisChanPolicyUpdate, "someone-else:updated")
	mr.Publish(infra.RedisChanPolicyUpdate, "pk-1:updated")
	assert.Eventually(t, func() bool { return len(c.trigger) == 1 }, 5*time.Second, 5*time.Millisecond)
}

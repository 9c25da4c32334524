package queue

import (
	"testing"
	"time"

	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/resourceslot"
)

func testSession(id string, priority int, enqueuedAt time.Time) *domain.Session {
	return &domain.Session{
		ID:             id,
		Name:           "test-" + id,
		Owner:          domain.Scope{Keypair: "kp-1"},
		ResourceGroup:  "default",
		RequestedSlots: resourceslot.New(map[string]int64{"cpu": 2}),
		ClusterMode:    domain.ClusterModeSingleNode,
		ClusterSize:    1,
		Type:           domain.SessionTypeInteractive,
		Priority:       priority,
		Status:         domain.StatusPending,
		EnqueuedAt:     enqueuedAt,
		UpdatedAt:      enqueuedAt,
	}
}

func TestNewSessionQueue(t *testing.T) {
	q := NewSessionQueue(100)
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
	if q.maxSize != 100 {
		t.Errorf("expected maxSize = 100, got %d", q.maxSize)
	}
}

func TestEnqueue(t *testing.T) {
	q := NewSessionQueue(10)
	s := testSession("s-1", 5, time.Now())

	if err := q.Enqueue(s); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	q := NewSessionQueue(10)
	s := testSession("s-1", 5, time.Now())

	_ = q.Enqueue(s)
	if err := q.Enqueue(s); err != ErrSessionExists {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestEnqueueFull(t *testing.T) {
	q := NewSessionQueue(1)
	_ = q.Enqueue(testSession("s-1", 1, time.Now()))

	if err := q.Enqueue(testSession("s-2", 1, time.Now())); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if !q.IsFull() {
		t.Error("expected IsFull() true")
	}
}

func TestRemove(t *testing.T) {
	q := NewSessionQueue(10)
	_ = q.Enqueue(testSession("s-1", 1, time.Now()))

	if !q.Remove("s-1") {
		t.Error("expected Remove to succeed")
	}
	if q.Contains("s-1") {
		t.Error("expected s-1 to be gone")
	}
	if q.Remove("s-1") {
		t.Error("expected second Remove to fail")
	}
}

func TestFIFOOrdersByEnqueueTime(t *testing.T) {
	q := NewSessionQueue(10)
	base := time.Now()
	_ = q.Enqueue(testSession("s-2", 0, base.Add(2*time.Second)))
	_ = q.Enqueue(testSession("s-1", 0, base.Add(1*time.Second)))
	_ = q.Enqueue(testSession("s-3", 0, base.Add(3*time.Second)))

	ranked := FIFOPolicy{}.Rank(q.List())
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked entries, got %d", len(ranked))
	}
	want := []string{"s-1", "s-2", "s-3"}
	for i, id := range want {
		if ranked[i].SessionID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, ranked[i].SessionID)
		}
	}
}

func TestFIFOHolAvoidancePushesPastBlockedHead(t *testing.T) {
	q := NewSessionQueue(10)
	base := time.Now()
	_ = q.Enqueue(testSession("s-1", 0, base))
	_ = q.Enqueue(testSession("s-2", 0, base.Add(time.Second)))
	_ = q.Enqueue(testSession("s-3", 0, base.Add(2*time.Second)))

	// s-1 has exceeded the HoL threshold; it should be pushed behind s-2/s-3.
	qs := q.sessionMap["s-1"]
	qs.RetriesToSkip = 3

	policy := FIFOPolicy{HolBlockThreshold: 2}
	ranked := policy.Rank(q.List())
	if ranked[0].SessionID == "s-1" {
		t.Error("expected s-1 to be pushed past HoL threshold, but it ranked first")
	}
}

func TestPriorityPolicyOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewSessionQueue(10)
	base := time.Now()
	_ = q.Enqueue(testSession("s-low", 1, base))
	_ = q.Enqueue(testSession("s-high", 10, base.Add(time.Second)))

	ranked := PriorityPolicy{}.Rank(q.List())
	if ranked[0].SessionID != "s-high" {
		t.Errorf("expected s-high to rank first, got %s", ranked[0].SessionID)
	}
}

func TestDRFPicksLowestDominantShare(t *testing.T) {
	q := NewSessionQueue(10)
	base := time.Now()

	sA := testSession("s-a", 0, base)
	sA.Owner = domain.Scope{Keypair: "kp-a"}
	sB := testSession("s-b", 0, base.Add(time.Second))
	sB.Owner = domain.Scope{Keypair: "kp-b"}

	_ = q.Enqueue(sA)
	_ = q.Enqueue(sB)

	usage := map[string]resourceslot.Slot{
		"kp-a": resourceslot.New(map[string]int64{"cpu": 4}),
		"kp-b": resourceslot.New(map[string]int64{"cpu": 1}),
	}
	totals := map[string]resourceslot.Slot{
		"kp-a": resourceslot.New(map[string]int64{"cpu": 10}),
		"kp-b": resourceslot.New(map[string]int64{"cpu": 10}),
	}
	policy := DRFPolicy{
		ScopeKey: func(qs *QueuedSession) string { return qs.Session.Owner.Keypair },
		Used:     usage,
		Total:    totals,
	}

	ranked := policy.Rank(q.List())
	if ranked[0].SessionID != "s-b" {
		t.Errorf("expected s-b (lower dominant share) to rank first, got %s", ranked[0].SessionID)
	}
}

func TestUpdatePriorityReheapifies(t *testing.T) {
	q := NewSessionQueue(10)
	base := time.Now()
	_ = q.Enqueue(testSession("s-1", 0, base))
	_ = q.Enqueue(testSession("s-2", 0, base.Add(time.Second)))

	if !q.UpdatePriority("s-2", 100) {
		t.Fatal("expected UpdatePriority to succeed")
	}
	ranked := PriorityPolicy{}.Rank(q.List())
	if ranked[0].SessionID != "s-2" {
		t.Errorf("expected s-2 to rank first after priority bump, got %s", ranked[0].SessionID)
	}
}

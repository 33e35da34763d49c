package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/ValterAndersson/myon-sub008/internal/store"
	"github.com/ValterAndersson/myon-sub008/internal/workout"
)

// memStore is a stateful in-memory stand-in for the Postgres store. It backs
// both the service-level methods and the transaction view, which is enough
// because every test drives mutations through the reducer.
type memStore struct {
	canvas      *store.Canvas
	cards       map[string]store.Card
	cardOrder   []string
	queue       map[string]store.UpNextEntry
	events      []store.Event
	idempotency map[string]bool
	nextEventID int64
	queueClock  time.Time
}

func newMemStore() *memStore {
	return &memStore{
		cards:       map[string]store.Card{},
		queue:       map[string]store.UpNextEntry{},
		idempotency: map[string]bool{},
		queueClock:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) seedCanvas(phase string, version int64) {
	m.canvas = &store.Canvas{
		UserID:  "user-1",
		ID:      "cnv-1",
		Phase:   phase,
		Version: version,
		Purpose: "push day",
	}
}

func (m *memStore) seedCard(card store.Card) {
	if card.UserID == "" {
		card.UserID = "user-1"
	}
	if card.CanvasID == "" {
		card.CanvasID = "cnv-1"
	}
	m.cards[card.ID] = card
	m.cardOrder = append(m.cardOrder, card.ID)
}

func (m *memStore) seedQueue(cardID string, priority int) {
	m.queueClock = m.queueClock.Add(time.Second)
	m.queue[cardID] = store.UpNextEntry{CardID: cardID, Priority: priority, InsertedAt: m.queueClock}
}

func (m *memStore) CreateCanvas(_ context.Context, canvas store.Canvas) error {
	m.canvas = &canvas
	return nil
}

func (m *memStore) GetCanvas(context.Context, string, string) (store.Canvas, error) {
	if m.canvas == nil {
		return store.Canvas{}, sql.ErrNoRows
	}
	return *m.canvas, nil
}

func (m *memStore) ListCards(context.Context, string, string) ([]store.Card, error) {
	items := make([]store.Card, 0, len(m.cardOrder))
	for _, id := range m.cardOrder {
		if card, ok := m.cards[id]; ok {
			items = append(items, card)
		}
	}
	return items, nil
}

func (m *memStore) sortedQueue() []store.UpNextEntry {
	items := make([]store.UpNextEntry, 0, len(m.queue))
	for _, entry := range m.queue {
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].InsertedAt.Before(items[j].InsertedAt)
	})
	return items
}

func (m *memStore) ListQueue(context.Context, string, string) ([]store.UpNextEntry, error) {
	return m.sortedQueue(), nil
}

func (m *memStore) ListEvents(_ context.Context, _, _ string, limit int) ([]store.Event, error) {
	return m.recentEvents(limit), nil
}

func (m *memStore) recentEvents(limit int) []store.Event {
	items := make([]store.Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(items) < limit; i-- {
		items = append(items, m.events[i])
	}
	return items
}

func (m *memStore) WithCanvasTx(_ context.Context, _, _ string, fn func(store.CanvasTx) error) error {
	return fn(&memTx{store: m})
}

func (m *memStore) TrimQueue(_ context.Context, _, _ string, cap int) ([]string, error) {
	ranked := m.sortedQueue()
	removed := []string{}
	for i := cap; i < len(ranked); i++ {
		delete(m.queue, ranked[i].CardID)
		removed = append(removed, ranked[i].CardID)
	}
	return removed, nil
}

func (m *memStore) InsertEvent(_ context.Context, event store.Event) error {
	m.nextEventID++
	event.ID = m.nextEventID
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type memTx struct {
	store *memStore
}

func (t *memTx) HasIdempotencyKey(_ context.Context, key string) (bool, error) {
	return t.store.idempotency[key], nil
}

func (t *memTx) GetCanvas(context.Context) (store.Canvas, error) {
	if t.store.canvas == nil {
		return store.Canvas{}, sql.ErrNoRows
	}
	return *t.store.canvas, nil
}

func (t *memTx) GetCard(_ context.Context, cardID string) (store.Card, error) {
	card, ok := t.store.cards[cardID]
	if !ok {
		return store.Card{}, sql.ErrNoRows
	}
	return card, nil
}

func (t *memTx) ListCardsByGroup(_ context.Context, groupID string) ([]store.Card, error) {
	var items []store.Card
	for _, id := range t.store.cardOrder {
		card, ok := t.store.cards[id]
		if ok && card.Meta.GroupID == groupID {
			items = append(items, card)
		}
	}
	return items, nil
}

func (t *memTx) ListSetTargets(_ context.Context, exerciseID string, setIndex int) ([]store.Card, error) {
	var items []store.Card
	for _, id := range t.store.cardOrder {
		card, ok := t.store.cards[id]
		if !ok || card.Type != "set_target" {
			continue
		}
		if card.Refs.ExerciseID != exerciseID || card.Refs.SetIndex == nil || *card.Refs.SetIndex != setIndex {
			continue
		}
		switch card.Status {
		case store.StatusProposed, store.StatusActive, store.StatusAccepted:
			items = append(items, card)
		}
	}
	return items, nil
}

func (t *memTx) ListTopicSiblings(_ context.Context, topicKey string) ([]store.Card, error) {
	var items []store.Card
	for _, id := range t.store.cardOrder {
		card, ok := t.store.cards[id]
		if !ok || card.Lane != store.LaneAnalysis || card.Refs.TopicKey != topicKey {
			continue
		}
		switch card.Status {
		case store.StatusProposed, store.StatusActive, store.StatusAccepted:
			items = append(items, card)
		}
	}
	return items, nil
}

func (t *memTx) ListRecentEvents(_ context.Context, limit int) ([]store.Event, error) {
	return t.store.recentEvents(limit), nil
}

func (t *memTx) InsertCard(_ context.Context, card store.Card) error {
	t.store.cards[card.ID] = card
	t.store.cardOrder = append(t.store.cardOrder, card.ID)
	return nil
}

func (t *memTx) UpdateCardStatus(_ context.Context, cardID, status string) error {
	card, ok := t.store.cards[cardID]
	if !ok {
		return fmt.Errorf("no card %s", cardID)
	}
	card.Status = status
	t.store.cards[cardID] = card
	return nil
}

func (t *memTx) UpdateCardMeta(_ context.Context, cardID string, meta store.CardMeta) error {
	card, ok := t.store.cards[cardID]
	if !ok {
		return fmt.Errorf("no card %s", cardID)
	}
	card.Meta = meta
	t.store.cards[cardID] = card
	return nil
}

func (t *memTx) UpdateCardContent(_ context.Context, cardID string, content json.RawMessage) error {
	card, ok := t.store.cards[cardID]
	if !ok {
		return fmt.Errorf("no card %s", cardID)
	}
	card.Content = content
	t.store.cards[cardID] = card
	return nil
}

func (t *memTx) DeleteCard(_ context.Context, cardID string) error {
	delete(t.store.cards, cardID)
	return nil
}

func (t *memTx) Enqueue(_ context.Context, cardID string, priority int) error {
	t.store.seedQueue(cardID, priority)
	return nil
}

func (t *memTx) Dequeue(_ context.Context, cardIDs ...string) error {
	for _, cardID := range cardIDs {
		delete(t.store.queue, cardID)
	}
	return nil
}

func (t *memTx) SetCanvasState(_ context.Context, phase string, version int64) error {
	t.store.canvas.Phase = phase
	t.store.canvas.Version = version
	return nil
}

func (t *memTx) InsertIdempotencyKey(_ context.Context, key string) error {
	t.store.idempotency[key] = true
	return nil
}

func (t *memTx) InsertEvent(ctx context.Context, event store.Event) error {
	return t.store.InsertEvent(ctx, event)
}

func (t *memTx) InsertWorkoutSet(context.Context, store.WorkoutSet) error { return nil }

func (t *memTx) InsertWorkoutLog(context.Context, store.WorkoutLogEntry) error { return nil }

type fakeWorkouts struct {
	logged     []workout.SetParams
	swapped    []workout.SwapParams
	adjusted   []workout.LoadParams
	reordered  []workout.ReorderParams
	routineErr error
	drafts     int
}

func (f *fakeWorkouts) LogSet(_ context.Context, _ store.CanvasTx, _ string, params workout.SetParams) error {
	f.logged = append(f.logged, params)
	return nil
}

func (f *fakeWorkouts) SwapExercise(_ context.Context, _ store.CanvasTx, _ string, params workout.SwapParams) error {
	f.swapped = append(f.swapped, params)
	return nil
}

func (f *fakeWorkouts) AdjustLoad(_ context.Context, _ store.CanvasTx, _ string, params workout.LoadParams) error {
	f.adjusted = append(f.adjusted, params)
	return nil
}

func (f *fakeWorkouts) ReorderSets(_ context.Context, _ store.CanvasTx, _ string, params workout.ReorderParams) error {
	f.reordered = append(f.reordered, params)
	return nil
}

func (f *fakeWorkouts) CreateRoutineFromDraft(_ context.Context, _ string, _ store.Card, days []store.Card) (workout.RoutineResult, error) {
	if f.routineErr != nil {
		return workout.RoutineResult{}, f.routineErr
	}
	f.drafts++
	templateIDs := make([]string, len(days))
	for i := range days {
		templateIDs[i] = fmt.Sprintf("tpl-%d", i)
	}
	return workout.RoutineResult{RoutineID: "rtn-1", TemplateIDs: templateIDs}, nil
}

func newTestService(t *testing.T) (*Service, *memStore, *fakeWorkouts) {
	t.Helper()
	mem := newMemStore()
	workouts := &fakeWorkouts{}
	return New(mem, workouts, nil, nil), mem, workouts
}

func apply(t *testing.T, service *Service, action Action) ApplyResult {
	t.Helper()
	result, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, action)
	if err != nil {
		t.Fatalf("apply %s: %v", action.Type, err)
	}
	return result
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestAddInstructionCreatesAndQueuesCard(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	result := apply(t, service, Action{
		Type:           ActionAddInstruction,
		By:             store.ByUser,
		IdempotencyKey: "k1",
		Instruction:    &InstructionPayload{Text: "focus on form", TopicKey: "form"},
	})

	if result.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Version)
	}
	if len(result.ChangedCards) != 1 {
		t.Fatalf("expected one changed card, got %d", len(result.ChangedCards))
	}
	card := mem.cards[result.ChangedCards[0].CardID]
	if card.Status != store.StatusActive || card.Lane != store.LaneAnalysis || card.Type != "instruction" {
		t.Fatalf("unexpected card: %+v", card)
	}
	if _, queued := mem.queue[card.ID]; !queued {
		t.Fatalf("instruction was not queued")
	}

	types := []string{}
	for _, event := range mem.events {
		types = append(types, event.Type)
	}
	if len(mem.events) != 2 || mem.events[0].Type != EventInstructionAdded || mem.events[1].Type != EventApplyAction {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	if mem.events[1].CorrelationID != "cnv-1:1" {
		t.Fatalf("unexpected correlation id %q", mem.events[1].CorrelationID)
	}
}

func TestApplyActionDuplicateKeyShortCircuits(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	action := Action{
		Type:           ActionAddNote,
		By:             store.ByUser,
		IdempotencyKey: "same-key",
		Note:           &NotePayload{Text: "felt strong today"},
	}
	first := apply(t, service, action)
	if first.Duplicate {
		t.Fatalf("first apply must not be a duplicate")
	}

	second := apply(t, service, action)
	if !second.Duplicate {
		t.Fatalf("retry with the same key must report duplicate")
	}
	if mem.canvas.Version != 1 {
		t.Fatalf("duplicate must not bump version, got %d", mem.canvas.Version)
	}
	noteCount := 0
	for _, card := range mem.cards {
		if card.Type == "note" {
			noteCount++
		}
	}
	if noteCount != 1 {
		t.Fatalf("expected one note card, got %d", noteCount)
	}
}

func TestApplyActionStaleVersion(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 5)

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", int64Ptr(3), Action{
		Type:           ActionAddNote,
		IdempotencyKey: "k1",
		Note:           &NotePayload{Text: "x"},
	})
	if code := domainCode(t, err); code != CodeStaleVersion {
		t.Fatalf("expected STALE_VERSION, got %s", code)
	}
	if mem.canvas.Version != 5 {
		t.Fatalf("failed action must not bump version")
	}
	if len(mem.events) != 0 {
		t.Fatalf("failed action must not write events")
	}
}

func TestVersionBumpsByOnePerAction(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	for i := 0; i < 3; i++ {
		result := apply(t, service, Action{
			Type:           ActionAddNote,
			IdempotencyKey: fmt.Sprintf("k%d", i),
			Note:           &NotePayload{Text: "n"},
		})
		if result.Version != int64(i+1) {
			t.Fatalf("expected version %d, got %d", i+1, result.Version)
		}
	}
}

func TestAcceptSessionPlanStartsSession(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	mem.seedCard(store.Card{
		ID:     "plan-1",
		Type:   "session_plan",
		Status: store.StatusProposed,
		Lane:   store.LaneWorkout,
		Content: mustJSON(SessionPlanContent{Sets: []PlanSet{
			{ExerciseID: "bench", SetIndex: 0, Reps: 8, RIR: 2},
		}}),
	})
	mem.seedQueue("plan-1", 100)

	result := apply(t, service, Action{Type: ActionAcceptProposal, CardID: "plan-1", IdempotencyKey: "k1"})

	if result.Phase != store.PhaseActive {
		t.Fatalf("accepting a session plan must start the session, phase=%s", result.Phase)
	}
	if mem.cards["plan-1"].Status != store.StatusAccepted {
		t.Fatalf("plan not accepted: %s", mem.cards["plan-1"].Status)
	}
	found := false
	for _, event := range mem.events {
		if event.Type == EventSessionStarted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a session_started event")
	}
}

func TestAcceptSessionPlanRejectsAbsurdReps(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	mem.seedCard(store.Card{
		ID:     "plan-1",
		Type:   "session_plan",
		Status: store.StatusProposed,
		Lane:   store.LaneWorkout,
		Content: mustJSON(SessionPlanContent{Sets: []PlanSet{
			{ExerciseID: "bench", SetIndex: 0, Reps: 45, RIR: 2},
		}}),
	})

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{
		Type: ActionAcceptProposal, CardID: "plan-1", IdempotencyKey: "k1",
	})
	if code := domainCode(t, err); code != CodeScienceViolation {
		t.Fatalf("expected SCIENCE_VIOLATION, got %s", code)
	}
	if mem.cards["plan-1"].Status != store.StatusProposed {
		t.Fatalf("rejected accept must leave the card proposed")
	}
	if mem.canvas.Phase != store.PhasePlanning {
		t.Fatalf("rejected accept must not start the session")
	}
}

func TestAcceptSetTargetExpiresCollisions(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhaseActive, 0)
	mem.seedCard(store.Card{
		ID: "target-a", Type: "set_target", Status: store.StatusProposed, Lane: store.LaneWorkout,
		Refs: store.CardRefs{ExerciseID: "bench", SetIndex: intPtr(0)},
	})
	mem.seedCard(store.Card{
		ID: "target-b", Type: "set_target", Status: store.StatusProposed, Lane: store.LaneWorkout,
		Refs: store.CardRefs{ExerciseID: "bench", SetIndex: intPtr(0)},
	})
	mem.seedQueue("target-a", 100)
	mem.seedQueue("target-b", 100)

	apply(t, service, Action{Type: ActionAcceptProposal, CardID: "target-a", IdempotencyKey: "k1"})

	if mem.cards["target-a"].Status != store.StatusAccepted {
		t.Fatalf("target-a should be accepted")
	}
	if mem.cards["target-b"].Status != store.StatusExpired {
		t.Fatalf("colliding target-b should be expired, got %s", mem.cards["target-b"].Status)
	}
	if _, queued := mem.queue["target-b"]; queued {
		t.Fatalf("expired target must leave the queue")
	}
}

func TestAcceptAnalysisCardClaimsTopic(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhaseAnalysis, 0)
	mem.seedCard(store.Card{
		ID: "insight-a", Type: "insight", Status: store.StatusProposed, Lane: store.LaneAnalysis,
		Refs: store.CardRefs{TopicKey: "volume"},
	})
	mem.seedCard(store.Card{
		ID: "insight-b", Type: "insight", Status: store.StatusProposed, Lane: store.LaneAnalysis,
		Refs: store.CardRefs{TopicKey: "volume"},
	})
	mem.seedQueue("insight-b", 100)

	apply(t, service, Action{Type: ActionAcceptProposal, CardID: "insight-a", IdempotencyKey: "k1"})

	if mem.cards["insight-b"].Status != store.StatusExpired {
		t.Fatalf("topic sibling should be expired, got %s", mem.cards["insight-b"].Status)
	}
	if _, queued := mem.queue["insight-b"]; queued {
		t.Fatalf("expired sibling must leave the queue")
	}
}

func TestAcceptAnalysisCardExpiresAcceptedSibling(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhaseAnalysis, 0)
	mem.seedCard(store.Card{
		ID: "insight-old", Type: "insight", Status: store.StatusAccepted, Lane: store.LaneAnalysis,
		Refs: store.CardRefs{TopicKey: "deload"},
	})
	mem.seedCard(store.Card{
		ID: "insight-new", Type: "insight", Status: store.StatusProposed, Lane: store.LaneAnalysis,
		Refs: store.CardRefs{TopicKey: "deload"},
	})

	apply(t, service, Action{Type: ActionAcceptProposal, CardID: "insight-new", IdempotencyKey: "k1"})

	if mem.cards["insight-old"].Status != store.StatusExpired {
		t.Fatalf("previously accepted sibling should be expired, got %s", mem.cards["insight-old"].Status)
	}
	accepted := 0
	for _, card := range mem.cards {
		if card.Refs.TopicKey == "deload" && card.Status == store.StatusAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("topic must have exactly one accepted card, got %d", accepted)
	}
}

func TestRejectProposalDequeues(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	mem.seedCard(store.Card{ID: "card-1", Type: "insight", Status: store.StatusProposed, Lane: store.LaneAnalysis})
	mem.seedQueue("card-1", 100)

	apply(t, service, Action{Type: ActionRejectProposal, CardID: "card-1", IdempotencyKey: "k1"})

	if mem.cards["card-1"].Status != store.StatusRejected {
		t.Fatalf("card should be rejected")
	}
	if _, queued := mem.queue["card-1"]; queued {
		t.Fatalf("rejected card must leave the queue")
	}
}

func TestGroupActionsTransitionTogether(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	for _, id := range []string{"g1", "g2", "g3"} {
		mem.seedCard(store.Card{
			ID: id, Type: "set_target", Status: store.StatusProposed, Lane: store.LaneWorkout,
			Meta: store.CardMeta{GroupID: "batch-1"},
		})
		mem.seedQueue(id, 100)
	}

	apply(t, service, Action{Type: ActionRejectAll, IdempotencyKey: "k1", Group: &GroupPayload{GroupID: "batch-1"}})

	for _, id := range []string{"g1", "g2", "g3"} {
		if mem.cards[id].Status != store.StatusRejected {
			t.Fatalf("%s should be rejected", id)
		}
		if _, queued := mem.queue[id]; queued {
			t.Fatalf("%s should be dequeued", id)
		}
	}

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{
		Type: ActionAcceptAll, IdempotencyKey: "k2", Group: &GroupPayload{GroupID: "missing"},
	})
	if code := domainCode(t, err); code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown group, got %s", code)
	}
}

func TestLogSetRequiresActivePhase(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{
		Type:           ActionLogSet,
		IdempotencyKey: "k1",
		LogSet:         &LogSetPayload{WorkoutID: "w1", ExerciseID: "bench", SetIndex: 0, Actual: ActualSet{Reps: 8, RIR: 2}},
	})
	if code := domainCode(t, err); code != CodePhaseGuard {
		t.Fatalf("expected PHASE_GUARD, got %s", code)
	}
}

func TestLogSetCompletesMatchingTarget(t *testing.T) {
	service, mem, workouts := newTestService(t)
	mem.seedCanvas(store.PhaseActive, 0)
	mem.seedCard(store.Card{
		ID: "target-1", Type: "set_target", Status: store.StatusAccepted, Lane: store.LaneWorkout,
		Refs: store.CardRefs{ExerciseID: "bench", SetIndex: intPtr(0)},
	})
	mem.seedQueue("target-1", 100)

	result := apply(t, service, Action{
		Type:           ActionLogSet,
		IdempotencyKey: "k1",
		LogSet:         &LogSetPayload{WorkoutID: "w1", ExerciseID: "bench", SetIndex: 0, Actual: ActualSet{Reps: 8, RIR: 2}},
	})

	if mem.cards["target-1"].Status != store.StatusCompleted {
		t.Fatalf("target should be completed, got %s", mem.cards["target-1"].Status)
	}
	if _, queued := mem.queue["target-1"]; queued {
		t.Fatalf("completed target must leave the queue")
	}
	if len(workouts.logged) != 1 || workouts.logged[0].Reps != 8 {
		t.Fatalf("workout delegate not called: %+v", workouts.logged)
	}
	resultCardFound := false
	for _, change := range result.ChangedCards {
		if mem.cards[change.CardID].Type == "set_result" {
			resultCardFound = true
		}
	}
	if !resultCardFound {
		t.Fatalf("expected a set_result card in the diff")
	}
}

func TestStructuralEditsDelegateInActivePhase(t *testing.T) {
	service, mem, workouts := newTestService(t)
	mem.seedCanvas(store.PhaseActive, 0)

	delta := 2.5
	apply(t, service, Action{Type: ActionSwap, IdempotencyKey: "k1", Swap: &SwapPayload{WorkoutID: "w1", ExerciseID: "bench", NewExerciseID: "db-press"}})
	apply(t, service, Action{Type: ActionAdjustLoad, IdempotencyKey: "k2", AdjustLoad: &AdjustLoadPayload{WorkoutID: "w1", ExerciseID: "bench", DeltaKG: &delta}})
	apply(t, service, Action{Type: ActionReorderSets, IdempotencyKey: "k3", ReorderSets: &ReorderSetsPayload{WorkoutID: "w1", ExerciseID: "bench", Order: []int{1, 0}}})

	if len(workouts.swapped) != 1 || len(workouts.adjusted) != 1 || len(workouts.reordered) != 1 {
		t.Fatalf("expected each structural edit to reach the workout service")
	}
	if mem.canvas.Version != 3 {
		t.Fatalf("expected version 3, got %d", mem.canvas.Version)
	}
}

func TestEditSetIsUnimplemented(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhaseActive, 0)

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{
		Type:           ActionEditSet,
		IdempotencyKey: "k1",
		EditSet:        &EditSetPayload{WorkoutID: "w1", ExerciseID: "bench"},
	})
	if code := domainCode(t, err); code != CodeUnimplemented {
		t.Fatalf("expected UNIMPLEMENTED, got %s", code)
	}
}

func TestPhaseTransitions(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhaseActive, 0)

	result := apply(t, service, Action{Type: ActionPause, IdempotencyKey: "k1"})
	if result.Phase != store.PhasePlanning {
		t.Fatalf("PAUSE should land in planning, got %s", result.Phase)
	}

	result = apply(t, service, Action{Type: ActionResume, IdempotencyKey: "k2"})
	if result.Phase != store.PhaseActive {
		t.Fatalf("RESUME should land in active, got %s", result.Phase)
	}

	result = apply(t, service, Action{Type: ActionComplete, IdempotencyKey: "k3"})
	if result.Phase != store.PhaseAnalysis {
		t.Fatalf("COMPLETE should land in analysis, got %s", result.Phase)
	}

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{Type: ActionResume, IdempotencyKey: "k4"})
	if code := domainCode(t, err); code != CodePhaseGuard {
		t.Fatalf("RESUME outside planning should hit the phase guard, got %s", code)
	}
}

func TestUndoRevertsLastAccept(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhaseAnalysis, 0)
	mem.seedCard(store.Card{ID: "card-1", Type: "insight", Status: store.StatusProposed, Lane: store.LaneAnalysis})

	apply(t, service, Action{Type: ActionAcceptProposal, CardID: "card-1", IdempotencyKey: "k1"})
	apply(t, service, Action{Type: ActionUndo, IdempotencyKey: "k2"})

	if mem.cards["card-1"].Status != store.StatusProposed {
		t.Fatalf("UNDO should revert the accept, got %s", mem.cards["card-1"].Status)
	}
}

func TestUndoDeletesLastNote(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	result := apply(t, service, Action{Type: ActionAddNote, IdempotencyKey: "k1", Note: &NotePayload{Text: "scratch"}})
	noteID := result.ChangedCards[0].CardID

	apply(t, service, Action{Type: ActionUndo, IdempotencyKey: "k2"})

	if _, exists := mem.cards[noteID]; exists {
		t.Fatalf("UNDO of ADD_NOTE should hard-delete the note")
	}
	if len(mem.events) != 2 {
		t.Fatalf("events are append-only, expected 2 got %d", len(mem.events))
	}
}

func TestUndoFailsWithoutReversibleAction(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhaseActive, 0)
	apply(t, service, Action{Type: ActionPause, IdempotencyKey: "k1"})

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{Type: ActionUndo, IdempotencyKey: "k2"})
	if code := domainCode(t, err); code != CodeUndoNotPossible {
		t.Fatalf("expected UNDO_NOT_POSSIBLE, got %s", code)
	}
}

func TestUndoScanIsBounded(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	mem.seedCard(store.Card{ID: "card-1", Type: "insight", Status: store.StatusProposed, Lane: store.LaneAnalysis})

	apply(t, service, Action{Type: ActionAcceptProposal, CardID: "card-1", IdempotencyKey: "k0"})
	// Push the accept out of the scan window with instruction noise.
	for i := 0; i < 15; i++ {
		apply(t, service, Action{
			Type:           ActionAddInstruction,
			IdempotencyKey: fmt.Sprintf("noise-%d", i),
			Instruction:    &InstructionPayload{Text: "noise"},
		})
	}

	// ADD_INSTRUCTION is not reversible and each one wrote two events, so
	// the original accept sits beyond the last 20 events.
	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{Type: ActionUndo, IdempotencyKey: "k-undo"})
	if code := domainCode(t, err); code != CodeUndoNotPossible {
		t.Fatalf("expected UNDO_NOT_POSSIBLE past the scan window, got %s", code)
	}
	if mem.cards["card-1"].Status != store.StatusAccepted {
		t.Fatalf("card beyond the window must stay accepted")
	}
}

func TestPinDraftIsIdempotent(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	expires := time.Now().Add(30 * time.Minute)
	mem.seedCard(store.Card{
		ID: "draft-1", Type: "routine_summary", Status: store.StatusProposed, Lane: store.LaneSystem,
		Meta: store.CardMeta{GroupID: "routine-draft-1", Draft: true, DraftID: "d1", ExpiresAt: &expires},
	})
	mem.seedCard(store.Card{
		ID: "day-1", Type: "session_plan", Status: store.StatusProposed, Lane: store.LaneWorkout,
		Meta: store.CardMeta{GroupID: "routine-draft-1", Subordinate: true, ExpiresAt: &expires},
	})

	apply(t, service, Action{Type: ActionPinDraft, CardID: "draft-1", IdempotencyKey: "k1"})

	if mem.cards["draft-1"].Status != store.StatusActive || mem.cards["day-1"].Status != store.StatusActive {
		t.Fatalf("pin should activate the whole group")
	}
	if mem.cards["draft-1"].Meta.ExpiresAt != nil || mem.cards["day-1"].Meta.ExpiresAt != nil {
		t.Fatalf("pin should clear the TTL")
	}

	result := apply(t, service, Action{Type: ActionPinDraft, CardID: "draft-1", IdempotencyKey: "k2"})
	if result.Version != 2 {
		t.Fatalf("repeat pin is a successful no-op that still bumps the version, got %d", result.Version)
	}
	if len(result.ChangedCards) != 0 {
		t.Fatalf("repeat pin should change nothing, got %v", result.ChangedCards)
	}
}

func TestDismissDraftRejectsGroup(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	mem.seedCard(store.Card{
		ID: "draft-1", Type: "routine_summary", Status: store.StatusProposed, Lane: store.LaneSystem,
		Meta: store.CardMeta{GroupID: "routine-draft-1", Draft: true, DraftID: "d1"},
	})
	mem.seedCard(store.Card{
		ID: "day-1", Type: "session_plan", Status: store.StatusProposed, Lane: store.LaneWorkout,
		Meta: store.CardMeta{GroupID: "routine-draft-1", Subordinate: true},
	})
	mem.seedQueue("draft-1", 100)

	apply(t, service, Action{Type: ActionDismissDraft, CardID: "draft-1", IdempotencyKey: "k1"})

	if mem.cards["draft-1"].Status != store.StatusRejected || mem.cards["day-1"].Status != store.StatusRejected {
		t.Fatalf("dismiss should reject the whole group")
	}
	if _, queued := mem.queue["draft-1"]; queued {
		t.Fatalf("dismissed draft must leave the queue")
	}
}

func TestSaveRoutineMaterializesDraft(t *testing.T) {
	service, mem, workouts := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 3)
	mem.seedCard(store.Card{
		ID: "draft-1", Type: "routine_summary", Status: store.StatusActive, Lane: store.LaneSystem,
		Meta: store.CardMeta{GroupID: "routine-draft-1", Draft: true, DraftID: "d1", DayCardIDs: []string{"day-1"}},
	})
	mem.seedCard(store.Card{
		ID: "day-1", Type: "session_plan", Status: store.StatusActive, Lane: store.LaneWorkout,
		Meta: store.CardMeta{GroupID: "routine-draft-1", Subordinate: true},
	})

	action := Action{Type: ActionSaveRoutine, CardID: "draft-1", IdempotencyKey: "k1"}
	result := apply(t, service, action)

	if result.RoutineID != "rtn-1" || len(result.TemplateIDs) != 1 {
		t.Fatalf("unexpected routine result: %+v", result)
	}
	if result.Version != 3 {
		t.Fatalf("SAVE_ROUTINE must not bump the canvas version, got %d", result.Version)
	}
	if workouts.drafts != 1 {
		t.Fatalf("expected one routine creation")
	}

	retry := apply(t, service, action)
	if !retry.Duplicate {
		t.Fatalf("SAVE_ROUTINE retry must short-circuit on the idempotency key")
	}
	if workouts.drafts != 1 {
		t.Fatalf("retry must not create a second routine")
	}
}

func TestSaveRoutineRequiresDraftCard(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	mem.seedCard(store.Card{ID: "note-1", Type: "note", Status: store.StatusActive, Lane: store.LaneWorkout})

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{
		Type: ActionSaveRoutine, CardID: "note-1", IdempotencyKey: "k1",
	})
	if code := domainCode(t, err); code != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", code)
	}
}

func TestQueueTrimKeepsHighestRanked(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)
	for i := 0; i < store.QueueCap; i++ {
		id := fmt.Sprintf("old-%d", i)
		mem.seedCard(store.Card{ID: id, Type: "insight", Status: store.StatusProposed, Lane: store.LaneAnalysis})
		mem.seedQueue(id, 50)
	}

	// A new instruction at default priority outranks the backlog, so the
	// post-action trim evicts one priority-50 entry.
	apply(t, service, Action{
		Type:           ActionAddInstruction,
		IdempotencyKey: "k1",
		Instruction:    &InstructionPayload{Text: "new"},
	})

	if len(mem.queue) != store.QueueCap {
		t.Fatalf("queue must settle at %d entries, got %d", store.QueueCap, len(mem.queue))
	}
	kept := false
	for _, entry := range mem.sortedQueue() {
		if entry.Priority == defaultPriority {
			kept = true
		}
	}
	if !kept {
		t.Fatalf("the higher-priority entry should survive the trim")
	}
}

func TestApplyActionUnknownCanvas(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.ApplyAction(context.Background(), "user-1", "cnv-1", nil, Action{
		Type: ActionAddNote, IdempotencyKey: "k1", Note: &NotePayload{Text: "x"},
	})
	if code := domainCode(t, err); code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

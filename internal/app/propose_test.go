package app

import (
	"context"
	"testing"

	"github.com/ValterAndersson/myon-sub008/internal/store"
)

func proposeSessionPlanInput() ProposeCardInput {
	return ProposeCardInput{
		Type: "session_plan",
		Content: mustJSON(SessionPlanContent{
			Title: "Push A",
			Sets:  []PlanSet{{ExerciseID: "bench", SetIndex: 0, Reps: 8, RIR: 2}},
		}),
	}
}

func TestProposeCardsWritesBatchAtomically(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 2)

	result, err := service.ProposeCards(context.Background(), "user-1", "cnv-1", []ProposeCardInput{
		proposeSessionPlanInput(),
		{Type: "insight", Content: mustJSON(map[string]any{"text": "bench is stalling"}), Lane: store.LaneAnalysis},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if len(result.CreatedCardIDs) != 2 {
		t.Fatalf("expected 2 created cards, got %d", len(result.CreatedCardIDs))
	}
	if result.Version != 2 {
		t.Fatalf("proposals must not bump the canvas version, got %d", result.Version)
	}
	for _, id := range result.CreatedCardIDs {
		card := mem.cards[id]
		if card.Status != store.StatusProposed || card.By != store.ByAgent {
			t.Fatalf("unexpected card state: %+v", card)
		}
		if _, queued := mem.queue[id]; !queued {
			t.Fatalf("proposed card %s should be queued", id)
		}
	}
	if len(mem.events) != 1 || mem.events[0].Type != EventAgentPropose {
		t.Fatalf("expected one agent_propose event, got %+v", mem.events)
	}
}

func TestProposeCardsCoercesInvalidInput(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	result, err := service.ProposeCards(context.Background(), "user-1", "cnv-1", []ProposeCardInput{
		{Type: "session_plan", Content: mustJSON(map[string]any{"sets": []any{}})},
		{Content: mustJSON(map[string]any{"text": "no type"})},
		{Type: "set_target", Content: mustJSON(map[string]any{})},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(result.Coerced) != 3 {
		t.Fatalf("all three inputs should be coerced, got %v", result.Coerced)
	}
	for _, id := range result.CreatedCardIDs {
		card := mem.cards[id]
		if card.Type != "clarify-questions" || card.Lane != store.LaneAnalysis {
			t.Fatalf("coerced card has wrong shape: %+v", card)
		}
	}
}

func TestProposeCardsGroupsRoutineDraft(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	day := proposeSessionPlanInput()
	result, err := service.ProposeCards(context.Background(), "user-1", "cnv-1", []ProposeCardInput{
		{Type: "routine_summary", Content: mustJSON(map[string]any{"name": "PPL"})},
		day,
		day,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	var anchor store.Card
	var days []store.Card
	for _, id := range result.CreatedCardIDs {
		card := mem.cards[id]
		if card.Type == "routine_summary" {
			anchor = card
		} else {
			days = append(days, card)
		}
	}

	if anchor.Meta.GroupID == "" || anchor.Meta.DraftID == "" || !anchor.Meta.Draft {
		t.Fatalf("anchor missing draft metadata: %+v", anchor.Meta)
	}
	if anchor.Meta.Revision != 1 {
		t.Fatalf("new draft should start at revision 1")
	}
	if len(anchor.Meta.DayCardIDs) != 2 {
		t.Fatalf("anchor should reference both day cards, got %v", anchor.Meta.DayCardIDs)
	}
	for _, dayCard := range days {
		if dayCard.Meta.GroupID != anchor.Meta.GroupID {
			t.Fatalf("day card outside the anchor group")
		}
		if !dayCard.Meta.Subordinate {
			t.Fatalf("day cards must be subordinate")
		}
		if _, queued := mem.queue[dayCard.ID]; queued {
			t.Fatalf("subordinate day cards must not be queued")
		}
	}
	if _, queued := mem.queue[anchor.ID]; !queued {
		t.Fatalf("the anchor itself should be queued")
	}
}

func TestProposeCardsClampsPriority(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	high := 99999
	low := -99999
	first := proposeSessionPlanInput()
	first.Priority = &high
	second := proposeSessionPlanInput()
	second.Priority = &low

	result, err := service.ProposeCards(context.Background(), "user-1", "cnv-1", []ProposeCardInput{first, second})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	entries := map[string]int{}
	for _, entry := range mem.sortedQueue() {
		entries[entry.CardID] = entry.Priority
	}
	if entries[result.CreatedCardIDs[0]] != maxPriority {
		t.Fatalf("priority should clamp to %d, got %d", maxPriority, entries[result.CreatedCardIDs[0]])
	}
	if entries[result.CreatedCardIDs[1]] != minPriority {
		t.Fatalf("priority should clamp to %d, got %d", minPriority, entries[result.CreatedCardIDs[1]])
	}
}

func TestProposeCardsTrimsOverflowingQueue(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	inputs := make([]ProposeCardInput, 0, store.QueueCap+5)
	for i := 0; i < store.QueueCap+5; i++ {
		inputs = append(inputs, proposeSessionPlanInput())
	}
	result, err := service.ProposeCards(context.Background(), "user-1", "cnv-1", inputs)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(result.CreatedCardIDs) != store.QueueCap+5 {
		t.Fatalf("every card should be created even past the queue cap")
	}
	if len(mem.queue) != store.QueueCap {
		t.Fatalf("queue should trim to %d, got %d", store.QueueCap, len(mem.queue))
	}
}

func TestProposeCardsRejectsEmptyBatch(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	_, err := service.ProposeCards(context.Background(), "user-1", "cnv-1", nil)
	if code := domainCode(t, err); code != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", code)
	}
}

func TestProposeCardsNormalizesGroupID(t *testing.T) {
	service, mem, _ := newTestService(t)
	mem.seedCanvas(store.PhasePlanning, 0)

	input := proposeSessionPlanInput()
	input.Meta = &ProposeMeta{GroupID: "Push Day!! Week 3"}
	result, err := service.ProposeCards(context.Background(), "user-1", "cnv-1", []ProposeCardInput{input})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	card := mem.cards[result.CreatedCardIDs[0]]
	if card.Meta.GroupID != "push-day-week-3" {
		t.Fatalf("group id should slugify, got %q", card.Meta.GroupID)
	}
}

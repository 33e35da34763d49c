package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ValterAndersson/myon-sub008/internal/search"
	"github.com/ValterAndersson/myon-sub008/internal/store"
	"github.com/ValterAndersson/myon-sub008/internal/util"
	"github.com/ValterAndersson/myon-sub008/internal/workout"
)

// Event types written by the reducer and the proposal writer.
const (
	EventApplyAction        = "apply_action"
	EventInstructionAdded   = "instruction_added"
	EventSessionStarted     = "session_started"
	EventAgentPropose       = "agent_propose"
	EventAgentPublishFailed = "agent_publish_failed"
)

// undoWindow bounds how far back UNDO scans for a reversible action.
const undoWindow = 20

type canvasStore interface {
	CreateCanvas(context.Context, store.Canvas) error
	GetCanvas(context.Context, string, string) (store.Canvas, error)
	ListCards(context.Context, string, string) ([]store.Card, error)
	ListQueue(context.Context, string, string) ([]store.UpNextEntry, error)
	ListEvents(context.Context, string, string, int) ([]store.Event, error)
	WithCanvasTx(context.Context, string, string, func(store.CanvasTx) error) error
	TrimQueue(context.Context, string, string, int) ([]string, error)
	InsertEvent(context.Context, store.Event) error
	Ping(ctx context.Context) error
}

// workoutService is the boundary to the domain logic the reducer treats as a
// black box: given validated parameters, mutate domain state and succeed or
// fail. The first four run inside the canvas transaction; routine creation
// runs outside it.
type workoutService interface {
	LogSet(ctx context.Context, tx store.CanvasTx, userID string, params workout.SetParams) error
	SwapExercise(ctx context.Context, tx store.CanvasTx, userID string, params workout.SwapParams) error
	AdjustLoad(ctx context.Context, tx store.CanvasTx, userID string, params workout.LoadParams) error
	ReorderSets(ctx context.Context, tx store.CanvasTx, userID string, params workout.ReorderParams) error
	CreateRoutineFromDraft(ctx context.Context, userID string, anchor store.Card, days []store.Card) (workout.RoutineResult, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, event store.Event)
}

type Service struct {
	store     canvasStore
	workouts  workoutService
	search    *search.Service
	publisher eventPublisher
}

func New(dataStore canvasStore, workouts workoutService, searchService *search.Service, publisher eventPublisher) *Service {
	return &Service{
		store:     dataStore,
		workouts:  workouts,
		search:    searchService,
		publisher: publisher,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type ChangedCard struct {
	CardID string `json:"card_id"`
	Status string `json:"status"`
}

type QueueOp struct {
	Op     string `json:"op"`
	CardID string `json:"card_id"`
}

type ApplyResult struct {
	Duplicate    bool
	Version      int64
	Phase        string
	Purpose      string
	ChangedCards []ChangedCard
	QueueDelta   []QueueOp
	// SAVE_ROUTINE only.
	RoutineID   string
	TemplateIDs []string
}

type metaUpdate struct {
	cardID string
	meta   store.CardMeta
}

type queueAdd struct {
	cardID   string
	priority int
}

// actionPlan is the write set computed by reduce. Every read a branch needs
// happens while building the plan; committing the plan issues only writes.
type actionPlan struct {
	phase         string
	insertCards   []store.Card
	setStatus     []ChangedCard
	updateMeta    []metaUpdate
	deleteCardIDs []string
	enqueue       []queueAdd
	dequeue       []string
	extraEvents   []store.Event
	eventFields   map[string]any
	primaryCardID string

	logSet     *workout.SetParams
	swap       *workout.SwapParams
	adjustLoad *workout.LoadParams
	reorder    *workout.ReorderParams
}

func (p *actionPlan) field(key string, value any) {
	if p.eventFields == nil {
		p.eventFields = map[string]any{}
	}
	p.eventFields[key] = value
}

// ApplyAction applies at most one domain transition atomically and returns
// the diff, or fails without partial effect.
func (s *Service) ApplyAction(ctx context.Context, userID, canvasID string, expectedVersion *int64, action Action) (ApplyResult, error) {
	if action.Type == ActionSaveRoutine {
		return s.saveRoutine(ctx, userID, canvasID, action)
	}

	var result ApplyResult
	var committed []store.Event
	var inserted []store.Card
	var deleted []string
	err := s.store.WithCanvasTx(ctx, userID, canvasID, func(tx store.CanvasTx) error {
		duplicate, err := tx.HasIdempotencyKey(ctx, action.IdempotencyKey)
		if err != nil {
			return err
		}
		if duplicate {
			result = ApplyResult{Duplicate: true}
			return nil
		}

		canvas, err := tx.GetCanvas(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("canvas not found")
			}
			return err
		}
		if expectedVersion != nil && *expectedVersion != canvas.Version {
			return staleVersion(*expectedVersion, canvas.Version)
		}

		plan, err := s.reduce(ctx, tx, canvas, action)
		if err != nil {
			return err
		}

		events, err := s.commitPlan(ctx, tx, canvas, action, plan, &result)
		if err != nil {
			return err
		}
		committed = events
		inserted = plan.insertCards
		deleted = plan.deleteCardIDs
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if result.Duplicate {
		return result, nil
	}

	// Best-effort follow-ups outside the transaction: cap enforcement and
	// event fanout. Neither can violate card-state invariants.
	if _, err := s.store.TrimQueue(ctx, userID, canvasID, store.QueueCap); err != nil {
		log.Printf("canvas %s/%s: queue trim failed: %v", userID, canvasID, err)
	}
	s.publishEvents(ctx, committed)
	s.indexCards(inserted)
	if s.search != nil {
		for _, cardID := range deleted {
			s.search.RemoveCard(cardID)
		}
	}
	return result, nil
}

// reduce dispatches on the action type and computes the write set. It only
// reads through tx; all writes are deferred to commitPlan because the store
// forbids reads after writes inside one transaction.
func (s *Service) reduce(ctx context.Context, tx store.CanvasTx, canvas store.Canvas, action Action) (*actionPlan, error) {
	plan := &actionPlan{primaryCardID: action.CardID}

	switch action.Type {
	case ActionAddInstruction:
		card := s.newCard(canvas, "instruction", store.StatusActive, store.LaneAnalysis, action.By)
		card.Content = mustJSON(map[string]any{"text": action.Instruction.Text})
		card.Refs.TopicKey = action.Instruction.TopicKey
		plan.insertCards = append(plan.insertCards, card)
		plan.enqueue = append(plan.enqueue, queueAdd{cardID: card.ID, priority: defaultPriority})
		plan.primaryCardID = card.ID
		plan.field("instruction_id", card.ID)
		plan.extraEvents = append(plan.extraEvents, store.Event{
			UserID:   canvas.UserID,
			CanvasID: canvas.ID,
			Type:     EventInstructionAdded,
			Payload:  map[string]any{"instruction_id": card.ID},
		})

	case ActionAddNote:
		card := s.newCard(canvas, "note", store.StatusActive, store.LaneWorkout, action.By)
		card.Content = mustJSON(map[string]any{"text": action.Note.Text})
		plan.insertCards = append(plan.insertCards, card)
		plan.primaryCardID = card.ID
		plan.field("note_id", card.ID)

	case ActionAcceptProposal:
		if err := s.reduceAccept(ctx, tx, canvas, action, plan); err != nil {
			return nil, err
		}

	case ActionRejectProposal:
		card, err := s.loadCard(ctx, tx, action.CardID)
		if err != nil {
			return nil, err
		}
		plan.setStatus = append(plan.setStatus, ChangedCard{CardID: card.ID, Status: store.StatusRejected})
		plan.dequeue = append(plan.dequeue, card.ID)

	case ActionAcceptAll, ActionRejectAll:
		cards, err := tx.ListCardsByGroup(ctx, action.Group.GroupID)
		if err != nil {
			return nil, err
		}
		if len(cards) == 0 {
			return nil, notFound("no cards in group " + action.Group.GroupID)
		}
		target := store.StatusAccepted
		if action.Type == ActionRejectAll {
			target = store.StatusRejected
		}
		for _, card := range cards {
			if card.Status != target {
				plan.setStatus = append(plan.setStatus, ChangedCard{CardID: card.ID, Status: target})
			}
			if target == store.StatusRejected {
				plan.dequeue = append(plan.dequeue, card.ID)
			}
		}
		plan.field("group_id", action.Group.GroupID)

	case ActionLogSet:
		if canvas.Phase != store.PhaseActive {
			return nil, phaseGuard(string(action.Type), canvas.Phase)
		}
		payload := action.LogSet
		targets, err := tx.ListSetTargets(ctx, payload.ExerciseID, payload.SetIndex)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			plan.setStatus = append(plan.setStatus, ChangedCard{CardID: target.ID, Status: store.StatusCompleted})
			plan.dequeue = append(plan.dequeue, target.ID)
		}
		result := s.newCard(canvas, "set_result", store.StatusActive, store.LaneWorkout, action.By)
		result.Content = mustJSON(map[string]any{
			"workout_id":  payload.WorkoutID,
			"exercise_id": payload.ExerciseID,
			"set_index":   payload.SetIndex,
			"actual":      payload.Actual,
		})
		setIndex := payload.SetIndex
		result.Refs = store.CardRefs{ExerciseID: payload.ExerciseID, SetIndex: &setIndex, WorkoutID: payload.WorkoutID}
		plan.insertCards = append(plan.insertCards, result)
		plan.primaryCardID = result.ID
		params := workout.SetParams{
			WorkoutID:  payload.WorkoutID,
			ExerciseID: payload.ExerciseID,
			SetIndex:   payload.SetIndex,
			Reps:       payload.Actual.Reps,
			RIR:        payload.Actual.RIR,
		}
		if payload.Actual.WeightKG != nil {
			params.WeightKG = *payload.Actual.WeightKG
		}
		plan.logSet = &params

	case ActionSwap:
		if canvas.Phase != store.PhaseActive {
			return nil, phaseGuard(string(action.Type), canvas.Phase)
		}
		plan.swap = &workout.SwapParams{
			WorkoutID:     action.Swap.WorkoutID,
			ExerciseID:    action.Swap.ExerciseID,
			NewExerciseID: action.Swap.NewExerciseID,
		}

	case ActionAdjustLoad:
		if canvas.Phase != store.PhaseActive {
			return nil, phaseGuard(string(action.Type), canvas.Phase)
		}
		plan.adjustLoad = &workout.LoadParams{
			WorkoutID:  action.AdjustLoad.WorkoutID,
			ExerciseID: action.AdjustLoad.ExerciseID,
			DeltaKG:    *action.AdjustLoad.DeltaKG,
		}

	case ActionReorderSets:
		if canvas.Phase != store.PhaseActive {
			return nil, phaseGuard(string(action.Type), canvas.Phase)
		}
		plan.reorder = &workout.ReorderParams{
			WorkoutID:  action.ReorderSets.WorkoutID,
			ExerciseID: action.ReorderSets.ExerciseID,
			Order:      action.ReorderSets.Order,
		}

	case ActionEditSet:
		return nil, unimplemented(string(ActionEditSet))

	case ActionPause:
		if canvas.Phase != store.PhaseActive {
			return nil, phaseGuard(string(action.Type), canvas.Phase)
		}
		plan.phase = store.PhasePlanning

	case ActionResume:
		if canvas.Phase != store.PhasePlanning {
			return nil, phaseGuard(string(action.Type), canvas.Phase)
		}
		plan.phase = store.PhaseActive

	case ActionComplete:
		if canvas.Phase != store.PhaseActive {
			return nil, phaseGuard(string(action.Type), canvas.Phase)
		}
		plan.phase = store.PhaseAnalysis

	case ActionUndo:
		if err := s.reduceUndo(ctx, tx, plan); err != nil {
			return nil, err
		}

	case ActionPinDraft:
		card, err := s.loadCard(ctx, tx, action.CardID)
		if err != nil {
			return nil, err
		}
		if card.Type != "routine_summary" {
			return nil, invalidArgument("card is not a routine summary", nil)
		}
		if card.Status == store.StatusActive {
			// Already pinned: a successful no-op.
			break
		}
		group := []store.Card{card}
		if card.Meta.GroupID != "" {
			group, err = tx.ListCardsByGroup(ctx, card.Meta.GroupID)
			if err != nil {
				return nil, err
			}
		}
		for _, member := range group {
			if member.Status != store.StatusActive {
				plan.setStatus = append(plan.setStatus, ChangedCard{CardID: member.ID, Status: store.StatusActive})
			}
			if member.Meta.ExpiresAt != nil {
				meta := member.Meta
				meta.ExpiresAt = nil
				plan.updateMeta = append(plan.updateMeta, metaUpdate{cardID: member.ID, meta: meta})
			}
		}

	case ActionDismissDraft:
		card, err := s.loadCard(ctx, tx, action.CardID)
		if err != nil {
			return nil, err
		}
		if card.Type != "routine_summary" {
			return nil, invalidArgument("card is not a routine summary", nil)
		}
		group := []store.Card{card}
		if card.Meta.GroupID != "" {
			group, err = tx.ListCardsByGroup(ctx, card.Meta.GroupID)
			if err != nil {
				return nil, err
			}
		}
		for _, member := range group {
			if member.Status != store.StatusRejected {
				plan.setStatus = append(plan.setStatus, ChangedCard{CardID: member.ID, Status: store.StatusRejected})
			}
			plan.dequeue = append(plan.dequeue, member.ID)
		}

	default:
		// ParseAction rejects unknown types before a transaction begins.
		return nil, invalidArgument(fmt.Sprintf("unknown action type %q", action.Type), nil)
	}

	return plan, nil
}

func (s *Service) reduceAccept(ctx context.Context, tx store.CanvasTx, canvas store.Canvas, action Action, plan *actionPlan) error {
	card, err := s.loadCard(ctx, tx, action.CardID)
	if err != nil {
		return err
	}

	if card.Type == "session_plan" {
		if err := validateSessionPlan(card.Content); err != nil {
			return err
		}
	}

	plan.setStatus = append(plan.setStatus, ChangedCard{CardID: card.ID, Status: store.StatusAccepted})

	// Accepting an analysis card claims its topic: same-key siblings expire.
	if card.Lane == store.LaneAnalysis && card.Refs.TopicKey != "" {
		siblings, err := tx.ListTopicSiblings(ctx, card.Refs.TopicKey)
		if err != nil {
			return err
		}
		for _, sibling := range siblings {
			if sibling.ID == card.ID {
				continue
			}
			plan.setStatus = append(plan.setStatus, ChangedCard{CardID: sibling.ID, Status: store.StatusExpired})
			plan.dequeue = append(plan.dequeue, sibling.ID)
		}
	}

	// At most one live set_target per (exercise, set_index).
	if card.Type == "set_target" && card.Refs.ExerciseID != "" && card.Refs.SetIndex != nil {
		colliding, err := tx.ListSetTargets(ctx, card.Refs.ExerciseID, *card.Refs.SetIndex)
		if err != nil {
			return err
		}
		for _, other := range colliding {
			if other.ID == card.ID {
				continue
			}
			plan.setStatus = append(plan.setStatus, ChangedCard{CardID: other.ID, Status: store.StatusExpired})
			plan.dequeue = append(plan.dequeue, other.ID)
		}
	}

	if card.Type == "session_plan" && canvas.Phase != store.PhaseActive {
		plan.phase = store.PhaseActive
		plan.extraEvents = append(plan.extraEvents, store.Event{
			UserID:   canvas.UserID,
			CanvasID: canvas.ID,
			Type:     EventSessionStarted,
			Payload:  map[string]any{"card_id": card.ID},
		})
	}
	return nil
}

func (s *Service) reduceUndo(ctx context.Context, tx store.CanvasTx, plan *actionPlan) error {
	events, err := tx.ListRecentEvents(ctx, undoWindow)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Type != EventApplyAction {
			continue
		}
		undone, _ := event.Payload["action"].(string)
		switch ActionType(undone) {
		case ActionAcceptProposal, ActionRejectProposal:
			cardID, _ := event.Payload["card_id"].(string)
			if cardID == "" {
				continue
			}
			if _, err := s.loadCard(ctx, tx, cardID); err != nil {
				return undoNotPossible()
			}
			plan.setStatus = append(plan.setStatus, ChangedCard{CardID: cardID, Status: store.StatusProposed})
			plan.primaryCardID = cardID
			plan.field("undone_action", undone)
			return nil
		case ActionAddNote:
			noteID, _ := event.Payload["note_id"].(string)
			if noteID == "" {
				continue
			}
			plan.deleteCardIDs = append(plan.deleteCardIDs, noteID)
			plan.dequeue = append(plan.dequeue, noteID)
			plan.primaryCardID = noteID
			plan.field("undone_action", undone)
			return nil
		}
	}
	return undoNotPossible()
}

// commitPlan issues every write for the transaction: cards, queue, domain
// calls, state, idempotency record, events. No reads happen past this point.
func (s *Service) commitPlan(ctx context.Context, tx store.CanvasTx, canvas store.Canvas, action Action, plan *actionPlan, result *ApplyResult) ([]store.Event, error) {
	changed := make([]ChangedCard, 0, len(plan.insertCards)+len(plan.setStatus))
	queueDelta := make([]QueueOp, 0, len(plan.enqueue)+len(plan.dequeue))

	for _, card := range plan.insertCards {
		if err := tx.InsertCard(ctx, card); err != nil {
			return nil, err
		}
		changed = append(changed, ChangedCard{CardID: card.ID, Status: card.Status})
	}
	for _, change := range plan.setStatus {
		if err := tx.UpdateCardStatus(ctx, change.CardID, change.Status); err != nil {
			return nil, err
		}
		changed = append(changed, change)
	}
	for _, update := range plan.updateMeta {
		if err := tx.UpdateCardMeta(ctx, update.cardID, update.meta); err != nil {
			return nil, err
		}
	}
	for _, cardID := range plan.deleteCardIDs {
		if err := tx.DeleteCard(ctx, cardID); err != nil {
			return nil, err
		}
		changed = append(changed, ChangedCard{CardID: cardID, Status: "deleted"})
	}

	switch {
	case plan.logSet != nil:
		if err := s.workouts.LogSet(ctx, tx, canvas.UserID, *plan.logSet); err != nil {
			return nil, err
		}
	case plan.swap != nil:
		if err := s.workouts.SwapExercise(ctx, tx, canvas.UserID, *plan.swap); err != nil {
			return nil, err
		}
	case plan.adjustLoad != nil:
		if err := s.workouts.AdjustLoad(ctx, tx, canvas.UserID, *plan.adjustLoad); err != nil {
			return nil, err
		}
	case plan.reorder != nil:
		if err := s.workouts.ReorderSets(ctx, tx, canvas.UserID, *plan.reorder); err != nil {
			return nil, err
		}
	}

	for _, add := range plan.enqueue {
		if err := tx.Enqueue(ctx, add.cardID, add.priority); err != nil {
			return nil, err
		}
		queueDelta = append(queueDelta, QueueOp{Op: "add", CardID: add.cardID})
	}
	for _, cardID := range plan.dequeue {
		if err := tx.Dequeue(ctx, cardID); err != nil {
			return nil, err
		}
		queueDelta = append(queueDelta, QueueOp{Op: "remove", CardID: cardID})
	}

	newPhase := canvas.Phase
	if plan.phase != "" {
		newPhase = plan.phase
	}
	newVersion := canvas.Version + 1
	if err := tx.SetCanvasState(ctx, newPhase, newVersion); err != nil {
		return nil, err
	}
	if err := tx.InsertIdempotencyKey(ctx, action.IdempotencyKey); err != nil {
		return nil, err
	}

	correlationID := fmt.Sprintf("%s:%d", canvas.ID, newVersion)
	events := make([]store.Event, 0, len(plan.extraEvents)+1)
	for _, extra := range plan.extraEvents {
		extra.CorrelationID = correlationID
		if err := tx.InsertEvent(ctx, extra); err != nil {
			return nil, err
		}
		events = append(events, extra)
	}

	changedIDs := make([]string, 0, len(changed))
	for _, change := range changed {
		changedIDs = append(changedIDs, change.CardID)
	}
	payload := map[string]any{
		"action":        string(action.Type),
		"card_id":       plan.primaryCardID,
		"changed_cards": changedIDs,
	}
	for key, value := range plan.eventFields {
		payload[key] = value
	}
	applied := store.Event{
		UserID:        canvas.UserID,
		CanvasID:      canvas.ID,
		Type:          EventApplyAction,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := tx.InsertEvent(ctx, applied); err != nil {
		return nil, err
	}
	events = append(events, applied)

	*result = ApplyResult{
		Version:      newVersion,
		Phase:        newPhase,
		Purpose:      canvas.Purpose,
		ChangedCards: changed,
		QueueDelta:   queueDelta,
	}
	return events, nil
}

// saveRoutine runs outside the optimistic-concurrency transaction: routine
// creation performs unrelated multi-document writes that must not roll back
// with canvas state, and it does not bump the canvas version. The
// idempotency record and event land in a small follow-up transaction so
// retries stay safe.
func (s *Service) saveRoutine(ctx context.Context, userID, canvasID string, action Action) (ApplyResult, error) {
	var result ApplyResult
	var anchor store.Card
	var days []store.Card
	err := s.store.WithCanvasTx(ctx, userID, canvasID, func(tx store.CanvasTx) error {
		duplicate, err := tx.HasIdempotencyKey(ctx, action.IdempotencyKey)
		if err != nil {
			return err
		}
		if duplicate {
			result = ApplyResult{Duplicate: true}
			return nil
		}
		card, err := s.loadCard(ctx, tx, action.CardID)
		if err != nil {
			return err
		}
		if card.Type != "routine_summary" {
			return invalidArgument("card is not a routine summary", nil)
		}
		if card.Meta.DraftID == "" {
			return invalidArgument("card has no draft id", nil)
		}
		anchor = card
		if card.Meta.GroupID != "" {
			group, err := tx.ListCardsByGroup(ctx, card.Meta.GroupID)
			if err != nil {
				return err
			}
			for _, member := range group {
				if member.ID != card.ID {
					days = append(days, member)
				}
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if result.Duplicate {
		return result, nil
	}

	routine, err := s.workouts.CreateRoutineFromDraft(ctx, userID, anchor, days)
	if err != nil {
		return ApplyResult{}, domainError(http.StatusInternalServerError, CodeInternal, "routine creation failed", nil)
	}

	var committed []store.Event
	err = s.store.WithCanvasTx(ctx, userID, canvasID, func(tx store.CanvasTx) error {
		if err := tx.InsertIdempotencyKey(ctx, action.IdempotencyKey); err != nil {
			return err
		}
		event := store.Event{
			UserID:   userID,
			CanvasID: canvasID,
			Type:     EventApplyAction,
			Payload: map[string]any{
				"action":       string(ActionSaveRoutine),
				"card_id":      anchor.ID,
				"routine_id":   routine.RoutineID,
				"template_ids": routine.TemplateIDs,
			},
			CorrelationID: fmt.Sprintf("%s:routine:%s", canvasID, routine.RoutineID),
		}
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		committed = append(committed, event)
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	s.publishEvents(ctx, committed)

	canvas, err := s.store.GetCanvas(ctx, userID, canvasID)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{
		Version:     canvas.Version,
		Phase:       canvas.Phase,
		Purpose:     canvas.Purpose,
		RoutineID:   routine.RoutineID,
		TemplateIDs: routine.TemplateIDs,
	}, nil
}

func (s *Service) CreateCanvas(ctx context.Context, userID, purpose string) (store.Canvas, error) {
	canvas := store.Canvas{
		UserID:  userID,
		ID:      util.NewID("cnv"),
		Phase:   store.PhasePlanning,
		Version: 0,
		Purpose: strings.TrimSpace(purpose),
	}
	if err := s.store.CreateCanvas(ctx, canvas); err != nil {
		return store.Canvas{}, err
	}
	return canvas, nil
}

func (s *Service) CanvasSnapshot(ctx context.Context, userID, canvasID string) (map[string]any, error) {
	canvas, err := s.store.GetCanvas(ctx, userID, canvasID)
	if err != nil {
		return nil, err
	}
	cards, err := s.store.ListCards(ctx, userID, canvasID)
	if err != nil {
		return nil, err
	}
	queue, err := s.store.ListQueue(ctx, userID, canvasID)
	if err != nil {
		return nil, err
	}

	cardItems := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		cardItems = append(cardItems, cardPayload(card))
	}
	queueItems := make([]map[string]any, 0, len(queue))
	for _, entry := range queue {
		queueItems = append(queueItems, map[string]any{
			"card_id":     entry.CardID,
			"priority":    entry.Priority,
			"inserted_at": entry.InsertedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{
		"state":   statePayload(canvas),
		"cards":   cardItems,
		"up_next": queueItems,
	}, nil
}

func (s *Service) Events(ctx context.Context, userID, canvasID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetCanvas(ctx, userID, canvasID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, userID, canvasID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"type":           event.Type,
			"payload":        event.Payload,
			"correlation_id": event.CorrelationID,
			"created_at":     event.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"events": items}, nil
}

func (s *Service) SearchCards(ctx context.Context, userID, canvasID, query, filterType, filterLane string, limit, offset int) (map[string]any, error) {
	if _, err := s.store.GetCanvas(ctx, userID, canvasID); err != nil {
		return nil, err
	}
	if s.search == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": query}, nil
	}
	response := s.search.Search(ctx, search.Query{
		UserID:     userID,
		CanvasID:   canvasID,
		Text:       query,
		FilterType: filterType,
		FilterLane: filterLane,
		Limit:      limit,
		Offset:     offset,
	})
	results := make([]map[string]any, 0, len(response.Results))
	for _, item := range response.Results {
		results = append(results, map[string]any{
			"card_id": item.CardID,
			"type":    item.Type,
			"lane":    item.Lane,
			"status":  item.Status,
			"snippet": item.Snippet,
		})
	}
	return map[string]any{"results": results, "total": response.Total, "query": response.Query}, nil
}

func (s *Service) loadCard(ctx context.Context, tx store.CanvasTx, cardID string) (store.Card, error) {
	card, err := tx.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Card{}, notFound("card " + cardID + " not found")
		}
		return store.Card{}, err
	}
	return card, nil
}

func (s *Service) newCard(canvas store.Canvas, cardType, status, lane, by string) store.Card {
	return store.Card{
		UserID:   canvas.UserID,
		CanvasID: canvas.ID,
		ID:       util.NewID("crd"),
		Type:     cardType,
		Status:   status,
		Lane:     lane,
		By:       by,
	}
}

func (s *Service) publishEvents(ctx context.Context, events []store.Event) {
	if s.publisher == nil {
		return
	}
	for _, event := range events {
		s.publisher.Publish(ctx, event)
	}
}

func (s *Service) indexCards(cards []store.Card) {
	if s.search == nil {
		return
	}
	for _, card := range cards {
		s.search.IndexCard(search.CardRecord{
			ID:       card.ID,
			UserID:   card.UserID,
			CanvasID: card.CanvasID,
			Type:     card.Type,
			Lane:     card.Lane,
			Status:   card.Status,
			Text:     string(card.Content),
		})
	}
}

func validateSessionPlan(content json.RawMessage) error {
	var plan SessionPlanContent
	if len(content) > 0 {
		if err := json.Unmarshal(content, &plan); err != nil {
			return scienceViolation("session plan content is not readable", nil)
		}
	}
	for _, set := range plan.Sets {
		if set.Reps < 1 || set.Reps > 30 {
			return scienceViolation("reps must be between 1 and 30 in an accepted session plan", map[string]any{
				"exercise_id": set.ExerciseID,
				"set_index":   set.SetIndex,
				"reps":        set.Reps,
			})
		}
		if set.RIR < 0 || set.RIR > 5 {
			return scienceViolation("rir must be between 0 and 5 in an accepted session plan", map[string]any{
				"exercise_id": set.ExerciseID,
				"set_index":   set.SetIndex,
				"rir":         set.RIR,
			})
		}
	}
	return nil
}

func statePayload(canvas store.Canvas) map[string]any {
	return map[string]any{
		"canvas_id": canvas.ID,
		"phase":     canvas.Phase,
		"version":   canvas.Version,
		"purpose":   canvas.Purpose,
		"lanes":     []string{store.LaneWorkout, store.LaneAnalysis, store.LaneSystem},
	}
}

func cardPayload(card store.Card) map[string]any {
	item := map[string]any{
		"card_id":    card.ID,
		"type":       card.Type,
		"status":     card.Status,
		"lane":       card.Lane,
		"by":         card.By,
		"created_at": card.CreatedAt.Format(time.RFC3339),
		"updated_at": card.UpdatedAt.Format(time.RFC3339),
	}
	if len(card.Content) > 0 {
		var content any
		if err := json.Unmarshal(card.Content, &content); err == nil {
			item["content"] = content
		}
	}
	if card.Refs != (store.CardRefs{}) {
		item["refs"] = card.Refs
	}
	if card.Meta.GroupID != "" || card.Meta.DraftID != "" {
		item["meta"] = card.Meta
	}
	return item
}

func mustJSON(value any) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(encoded)
}

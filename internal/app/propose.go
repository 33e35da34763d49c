package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ValterAndersson/myon-sub008/internal/store"
	"github.com/ValterAndersson/myon-sub008/internal/util"
)

const (
	defaultPriority = 100
	minPriority     = -1000
	maxPriority     = 1000
)

// ProposeCardInput is the wire shape of one proposed card in an agent batch.
type ProposeCardInput struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Lane      string          `json:"lane,omitempty"`
	Priority  *int            `json:"priority,omitempty"`
	Refs      *store.CardRefs `json:"refs,omitempty"`
	Meta      *ProposeMeta    `json:"meta,omitempty"`
	TTL       *ProposeTTL     `json:"ttl,omitempty"`
	Layout    string          `json:"layout,omitempty"`
	Actions   []string        `json:"actions,omitempty"`
	MenuItems []string        `json:"menuItems,omitempty"`
}

type ProposeMeta struct {
	GroupID string `json:"group_id,omitempty"`
}

type ProposeTTL struct {
	Minutes int `json:"minutes"`
}

type ProposeResult struct {
	CreatedCardIDs []string
	Coerced        []string
	Version        int64
	Phase          string
}

// laneForType picks the default lane when the agent did not name one.
func laneForType(cardType string) string {
	switch cardType {
	case "session_plan", "set_target", "set_result", "note":
		return store.LaneWorkout
	case "instruction", "insight", "clarify-questions":
		return store.LaneAnalysis
	default:
		return store.LaneSystem
	}
}

// ProposeCards writes an agent batch in one transaction: every card lands as
// proposed and queued, or the batch fails whole. Invalid items are coerced to
// clarify-questions cards rather than dropped so the human sees what the
// agent could not say.
func (s *Service) ProposeCards(ctx context.Context, userID, canvasID string, inputs []ProposeCardInput) (ProposeResult, error) {
	if len(inputs) == 0 {
		return ProposeResult{}, invalidArgument("cards must be a non-empty array", nil)
	}

	cards := make([]store.Card, 0, len(inputs))
	priorities := make([]int, 0, len(inputs))
	coerced := []string{}
	for i, input := range inputs {
		card, priority, wasCoerced := s.buildProposedCard(userID, canvasID, input)
		if wasCoerced {
			coerced = append(coerced, fmt.Sprintf("cards[%d]", i))
		}
		cards = append(cards, card)
		priorities = append(priorities, priority)
	}

	groupDrafts(cards)

	createdIDs := make([]string, 0, len(cards))
	for _, card := range cards {
		createdIDs = append(createdIDs, card.ID)
	}

	var result ProposeResult
	err := s.store.WithCanvasTx(ctx, userID, canvasID, func(tx store.CanvasTx) error {
		canvas, err := tx.GetCanvas(ctx)
		if err != nil {
			return err
		}
		for i, card := range cards {
			if err := tx.InsertCard(ctx, card); err != nil {
				return err
			}
			// Subordinate day cards ride along with their anchor and
			// never surface on their own.
			if !card.Meta.Subordinate {
				if err := tx.Enqueue(ctx, card.ID, priorities[i]); err != nil {
					return err
				}
			}
		}
		event := store.Event{
			UserID:   userID,
			CanvasID: canvasID,
			Type:     EventAgentPropose,
			Payload: map[string]any{
				"created_card_ids": createdIDs,
				"coerced":          coerced,
			},
			CorrelationID: fmt.Sprintf("%s:%d", canvasID, canvas.Version),
		}
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		result = ProposeResult{
			CreatedCardIDs: createdIDs,
			Coerced:        coerced,
			Version:        canvas.Version,
			Phase:          canvas.Phase,
		}
		return nil
	})
	if err != nil {
		s.recordPublishFailure(ctx, userID, canvasID, err)
		return ProposeResult{}, err
	}

	if _, trimErr := s.store.TrimQueue(ctx, userID, canvasID, store.QueueCap); trimErr != nil {
		log.Printf("canvas %s/%s: queue trim failed: %v", userID, canvasID, trimErr)
	}
	s.indexCards(cards)
	s.publishEvents(ctx, []store.Event{{
		UserID:   userID,
		CanvasID: canvasID,
		Type:     EventAgentPropose,
		Payload:  map[string]any{"created_card_ids": createdIDs},
	}})
	return result, nil
}

// buildProposedCard validates one input against its type schema. Inputs that
// fail validation come back as a clarify-questions card carrying the reason.
func (s *Service) buildProposedCard(userID, canvasID string, input ProposeCardInput) (store.Card, int, bool) {
	cardType := strings.TrimSpace(input.Type)
	if reason := validateProposal(cardType, input); reason != "" {
		return s.coercedCard(userID, canvasID, cardType, reason), defaultPriority, true
	}

	lane := strings.TrimSpace(input.Lane)
	switch lane {
	case store.LaneWorkout, store.LaneAnalysis, store.LaneSystem:
	default:
		lane = laneForType(cardType)
	}

	priority := defaultPriority
	if input.Priority != nil {
		priority = *input.Priority
		if priority < minPriority {
			priority = minPriority
		}
		if priority > maxPriority {
			priority = maxPriority
		}
	}

	card := store.Card{
		UserID:   userID,
		CanvasID: canvasID,
		ID:       util.NewID("crd"),
		Type:     cardType,
		Status:   store.StatusProposed,
		Lane:     lane,
		Content:  input.Content,
		By:       store.ByAgent,
	}
	if len(card.Content) == 0 {
		card.Content = json.RawMessage(`{}`)
	}
	if input.Refs != nil {
		card.Refs = *input.Refs
	}
	if input.Meta != nil {
		card.Meta.GroupID = slug(input.Meta.GroupID)
	}
	card.Meta.Layout = strings.TrimSpace(input.Layout)
	card.Meta.Actions = input.Actions
	card.Meta.MenuItems = input.MenuItems
	if input.TTL != nil && input.TTL.Minutes >= 1 {
		expires := time.Now().UTC().Add(time.Duration(input.TTL.Minutes) * time.Minute)
		card.Meta.ExpiresAt = &expires
	}
	return card, priority, false
}

// validateProposal returns a human-readable reason when the input cannot be
// written as-is, or "" when it passes.
func validateProposal(cardType string, input ProposeCardInput) string {
	if cardType == "" {
		return "card is missing a type"
	}
	switch cardType {
	case "session_plan":
		var plan SessionPlanContent
		if err := strictUnmarshal(input.Content, &plan); err != nil {
			return "session_plan content did not match the expected shape"
		}
		if len(plan.Sets) == 0 {
			return "session_plan needs at least one set"
		}
		for _, set := range plan.Sets {
			if set.ExerciseID == "" || set.SetIndex < 0 {
				return "session_plan sets need exercise_id and a non-negative set_index"
			}
		}
	case "set_target":
		if input.Refs == nil || input.Refs.ExerciseID == "" || input.Refs.SetIndex == nil {
			return "set_target needs refs.exercise_id and refs.set_index"
		}
	case "instruction", "note", "insight":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(emptyToObject(input.Content), &body); err != nil || strings.TrimSpace(body.Text) == "" {
			return cardType + " content needs a non-empty text field"
		}
	}
	return ""
}

func (s *Service) coercedCard(userID, canvasID, originalType, reason string) store.Card {
	return store.Card{
		UserID:   userID,
		CanvasID: canvasID,
		ID:       util.NewID("crd"),
		Type:     "clarify-questions",
		Status:   store.StatusProposed,
		Lane:     store.LaneAnalysis,
		By:       store.ByAgent,
		Content: mustJSON(map[string]any{
			"questions":     []string{"This suggestion could not be displayed. Want to ask for it another way?"},
			"original_type": originalType,
			"reason":        reason,
		}),
	}
}

// groupDrafts ties a routine draft batch together: the routine_summary card
// anchors the group, session_plan cards in the same batch become its
// subordinate days, and the anchor learns their ids after every id exists.
func groupDrafts(cards []store.Card) {
	anchorIdx := -1
	for i, card := range cards {
		if card.Type == "routine_summary" {
			anchorIdx = i
			break
		}
	}
	if anchorIdx < 0 {
		return
	}

	anchor := &cards[anchorIdx]
	groupID := anchor.Meta.GroupID
	if groupID == "" {
		groupID = "routine-draft-" + uuid.NewString()[:8]
	}
	draftID := uuid.NewString()

	var dayIDs []string
	for i := range cards {
		cards[i].Meta.GroupID = groupID
		if i == anchorIdx {
			continue
		}
		if cards[i].Type == "session_plan" {
			cards[i].Meta.Subordinate = true
			cards[i].Meta.Draft = true
			cards[i].Meta.DraftID = draftID
			dayIDs = append(dayIDs, cards[i].ID)
		}
	}
	anchor.Meta.Draft = true
	anchor.Meta.DraftID = draftID
	anchor.Meta.Revision = 1
	anchor.Meta.DayCardIDs = dayIDs
}

func (s *Service) recordPublishFailure(ctx context.Context, userID, canvasID string, cause error) {
	event := store.Event{
		UserID:   userID,
		CanvasID: canvasID,
		Type:     EventAgentPublishFailed,
		Payload:  map[string]any{"error": cause.Error()},
	}
	if err := s.store.InsertEvent(ctx, event); err != nil {
		log.Printf("canvas %s/%s: could not record publish failure: %v", userID, canvasID, err)
	}
}

func strictUnmarshal(raw json.RawMessage, target any) error {
	decoder := json.NewDecoder(strings.NewReader(string(emptyToObject(raw))))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func emptyToObject(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}

// slug normalizes a caller-provided group id to lowercase alphanumerics and
// dashes.
func slug(value string) string {
	var builder strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				builder.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(builder.String(), "-")
}

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValterAndersson/myon-sub008/internal/store"
)

type ActionType string

const (
	ActionAddInstruction ActionType = "ADD_INSTRUCTION"
	ActionAcceptProposal ActionType = "ACCEPT_PROPOSAL"
	ActionRejectProposal ActionType = "REJECT_PROPOSAL"
	ActionAcceptAll      ActionType = "ACCEPT_ALL"
	ActionRejectAll      ActionType = "REJECT_ALL"
	ActionAddNote        ActionType = "ADD_NOTE"
	ActionLogSet         ActionType = "LOG_SET"
	ActionSwap           ActionType = "SWAP"
	ActionAdjustLoad     ActionType = "ADJUST_LOAD"
	ActionReorderSets    ActionType = "REORDER_SETS"
	ActionEditSet        ActionType = "EDIT_SET"
	ActionPause          ActionType = "PAUSE"
	ActionResume         ActionType = "RESUME"
	ActionComplete       ActionType = "COMPLETE"
	ActionUndo           ActionType = "UNDO"
	ActionPinDraft       ActionType = "PIN_DRAFT"
	ActionDismissDraft   ActionType = "DISMISS_DRAFT"
	ActionSaveRoutine    ActionType = "SAVE_ROUTINE"
)

// ActionRequest is the wire shape of one action.
type ActionRequest struct {
	Type           string          `json:"type"`
	CardID         string          `json:"card_id"`
	Payload        json.RawMessage `json:"payload"`
	By             string          `json:"by"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Action is the validated, typed form of an ActionRequest. Exactly one of the
// payload pointers is set, matching Type.
type Action struct {
	Type           ActionType
	CardID         string
	By             string
	IdempotencyKey string

	Instruction *InstructionPayload
	Note        *NotePayload
	Group       *GroupPayload
	LogSet      *LogSetPayload
	Swap        *SwapPayload
	AdjustLoad  *AdjustLoadPayload
	ReorderSets *ReorderSetsPayload
	EditSet     *EditSetPayload
}

type InstructionPayload struct {
	Text     string `json:"text"`
	TopicKey string `json:"topic_key,omitempty"`
}

type NotePayload struct {
	Text string `json:"text"`
}

type GroupPayload struct {
	GroupID string `json:"group_id"`
}

type ActualSet struct {
	Reps     int      `json:"reps"`
	RIR      int      `json:"rir"`
	WeightKG *float64 `json:"weight_kg,omitempty"`
}

type LogSetPayload struct {
	WorkoutID  string    `json:"workout_id"`
	ExerciseID string    `json:"exercise_id"`
	SetIndex   int       `json:"set_index"`
	Actual     ActualSet `json:"actual"`
}

type SwapPayload struct {
	WorkoutID     string `json:"workout_id"`
	ExerciseID    string `json:"exercise_id"`
	NewExerciseID string `json:"new_exercise_id"`
}

type AdjustLoadPayload struct {
	WorkoutID  string   `json:"workout_id"`
	ExerciseID string   `json:"exercise_id"`
	DeltaKG    *float64 `json:"delta_kg"`
}

type ReorderSetsPayload struct {
	WorkoutID  string `json:"workout_id"`
	ExerciseID string `json:"exercise_id"`
	Order      []int  `json:"order"`
}

type EditSetPayload struct {
	WorkoutID  string    `json:"workout_id"`
	ExerciseID string    `json:"exercise_id"`
	SetIndex   int       `json:"set_index"`
	Target     ActualSet `json:"target"`
}

// SessionPlanContent is the content shape of session_plan cards, validated
// when one is accepted.
type SessionPlanContent struct {
	Title string    `json:"title,omitempty"`
	Sets  []PlanSet `json:"sets"`
}

type PlanSet struct {
	ExerciseID string   `json:"exercise_id"`
	SetIndex   int      `json:"set_index"`
	Reps       int      `json:"reps"`
	RIR        int      `json:"rir"`
	WeightKG   *float64 `json:"weight_kg,omitempty"`
}

// ParseAction validates the request shape before any transaction begins.
// Unknown action types and unknown payload fields are hard errors.
func ParseAction(req ActionRequest) (Action, error) {
	action := Action{
		Type:           ActionType(strings.TrimSpace(req.Type)),
		CardID:         strings.TrimSpace(req.CardID),
		By:             strings.TrimSpace(req.By),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if action.By == "" {
		action.By = store.ByUser
	}
	if action.By != store.ByUser && action.By != store.ByAgent {
		return Action{}, invalidArgument("by must be 'user' or 'agent'", nil)
	}
	if action.IdempotencyKey == "" {
		return Action{}, invalidArgument("idempotency_key is required", nil)
	}

	switch action.Type {
	case ActionAddInstruction:
		payload := &InstructionPayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if strings.TrimSpace(payload.Text) == "" {
			return Action{}, invalidArgument("payload.text is required", nil)
		}
		action.Instruction = payload

	case ActionAddNote:
		payload := &NotePayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if strings.TrimSpace(payload.Text) == "" {
			return Action{}, invalidArgument("payload.text is required", nil)
		}
		action.Note = payload

	case ActionAcceptProposal, ActionRejectProposal, ActionPinDraft, ActionDismissDraft, ActionSaveRoutine:
		if action.CardID == "" {
			return Action{}, invalidArgument("card_id is required", nil)
		}

	case ActionAcceptAll, ActionRejectAll:
		payload := &GroupPayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if strings.TrimSpace(payload.GroupID) == "" {
			return Action{}, invalidArgument("payload.group_id is required", nil)
		}
		action.Group = payload

	case ActionLogSet:
		payload := &LogSetPayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if payload.WorkoutID == "" || payload.ExerciseID == "" {
			return Action{}, invalidArgument("payload.workout_id and payload.exercise_id are required", nil)
		}
		if payload.SetIndex < 0 {
			return Action{}, invalidArgument("payload.set_index must not be negative", nil)
		}
		if payload.Actual.Reps < 0 {
			return Action{}, scienceViolation("actual.reps must not be negative", map[string]any{"reps": payload.Actual.Reps})
		}
		if payload.Actual.RIR < 0 || payload.Actual.RIR > 5 {
			return Action{}, scienceViolation("actual.rir must be between 0 and 5", map[string]any{"rir": payload.Actual.RIR})
		}
		action.LogSet = payload

	case ActionSwap:
		payload := &SwapPayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if payload.WorkoutID == "" || payload.ExerciseID == "" || payload.NewExerciseID == "" {
			return Action{}, invalidArgument("payload.workout_id, payload.exercise_id and payload.new_exercise_id are required", nil)
		}
		action.Swap = payload

	case ActionAdjustLoad:
		payload := &AdjustLoadPayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if payload.WorkoutID == "" || payload.ExerciseID == "" {
			return Action{}, invalidArgument("payload.workout_id and payload.exercise_id are required", nil)
		}
		if payload.DeltaKG == nil {
			return Action{}, invalidArgument("payload.delta_kg is required and must be numeric", nil)
		}
		action.AdjustLoad = payload

	case ActionReorderSets:
		payload := &ReorderSetsPayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if payload.WorkoutID == "" || payload.ExerciseID == "" {
			return Action{}, invalidArgument("payload.workout_id and payload.exercise_id are required", nil)
		}
		if len(payload.Order) == 0 {
			return Action{}, invalidArgument("payload.order must be a non-empty array of set indexes", nil)
		}
		for _, index := range payload.Order {
			if index < 0 {
				return Action{}, invalidArgument("payload.order entries must not be negative", nil)
			}
		}
		action.ReorderSets = payload

	case ActionEditSet:
		payload := &EditSetPayload{}
		if err := decodePayload(req.Payload, payload); err != nil {
			return Action{}, err
		}
		if payload.WorkoutID == "" || payload.ExerciseID == "" {
			return Action{}, invalidArgument("payload.workout_id and payload.exercise_id are required", nil)
		}
		action.EditSet = payload

	case ActionPause, ActionResume, ActionComplete, ActionUndo:
		if len(req.Payload) > 0 && !bytes.Equal(bytes.TrimSpace(req.Payload), []byte("null")) && !bytes.Equal(bytes.TrimSpace(req.Payload), []byte("{}")) {
			return Action{}, invalidArgument(fmt.Sprintf("%s takes no payload", action.Type), nil)
		}

	default:
		return Action{}, invalidArgument(fmt.Sprintf("unknown action type %q", req.Type), nil)
	}

	return action, nil
}

// decodePayload decodes strictly: unknown fields reject the request.
func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return invalidArgument("payload is required for this action", nil)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return invalidArgument("malformed payload: "+err.Error(), nil)
	}
	return nil
}

package workout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValterAndersson/myon-sub008/internal/store"
	"github.com/ValterAndersson/myon-sub008/internal/util"
)

// Service owns workout domain writes. The per-set mutations take the caller's
// canvas transaction so they commit or roll back with the canvas diff;
// routine creation manages its own transaction because it is not part of any
// canvas version.
type Service struct {
	db *sql.DB
}

func New(db *sql.DB) *Service {
	return &Service{db: db}
}

type SetParams struct {
	WorkoutID  string
	ExerciseID string
	SetIndex   int
	Reps       int
	RIR        int
	WeightKG   float64
}

type SwapParams struct {
	WorkoutID     string
	ExerciseID    string
	NewExerciseID string
}

type LoadParams struct {
	WorkoutID  string
	ExerciseID string
	DeltaKG    float64
}

type ReorderParams struct {
	WorkoutID  string
	ExerciseID string
	Order      []int
}

type RoutineResult struct {
	RoutineID   string
	TemplateIDs []string
}

func (s *Service) LogSet(ctx context.Context, tx store.CanvasTx, userID string, params SetParams) error {
	return tx.InsertWorkoutSet(ctx, store.WorkoutSet{
		ID:         util.NewID("set"),
		UserID:     userID,
		WorkoutID:  params.WorkoutID,
		ExerciseID: params.ExerciseID,
		SetIndex:   params.SetIndex,
		Reps:       params.Reps,
		RIR:        params.RIR,
		WeightKG:   params.WeightKG,
	})
}

func (s *Service) SwapExercise(ctx context.Context, tx store.CanvasTx, userID string, params SwapParams) error {
	return tx.InsertWorkoutLog(ctx, store.WorkoutLogEntry{
		ID:        util.NewID("wlog"),
		UserID:    userID,
		WorkoutID: params.WorkoutID,
		Kind:      "swap",
		Detail: map[string]any{
			"exercise_id":     params.ExerciseID,
			"new_exercise_id": params.NewExerciseID,
		},
	})
}

func (s *Service) AdjustLoad(ctx context.Context, tx store.CanvasTx, userID string, params LoadParams) error {
	return tx.InsertWorkoutLog(ctx, store.WorkoutLogEntry{
		ID:        util.NewID("wlog"),
		UserID:    userID,
		WorkoutID: params.WorkoutID,
		Kind:      "adjust_load",
		Detail: map[string]any{
			"exercise_id": params.ExerciseID,
			"delta_kg":    params.DeltaKG,
		},
	})
}

func (s *Service) ReorderSets(ctx context.Context, tx store.CanvasTx, userID string, params ReorderParams) error {
	return tx.InsertWorkoutLog(ctx, store.WorkoutLogEntry{
		ID:        util.NewID("wlog"),
		UserID:    userID,
		WorkoutID: params.WorkoutID,
		Kind:      "reorder_sets",
		Detail: map[string]any{
			"exercise_id": params.ExerciseID,
			"order":       params.Order,
		},
	})
}

// CreateRoutineFromDraft materializes a pinned routine draft into a routine
// row plus one template per day card. Day templates keep the day card's
// content verbatim as the plan document.
func (s *Service) CreateRoutineFromDraft(ctx context.Context, userID string, anchor store.Card, days []store.Card) (RoutineResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RoutineResult{}, fmt.Errorf("begin routine tx: %w", err)
	}
	defer tx.Rollback()

	routineID := util.NewID("rtn")
	name := routineName(anchor)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO routines (id, user_id, name, draft_id)
		VALUES ($1, $2, $3, $4)
	`, routineID, userID, name, anchor.Meta.DraftID); err != nil {
		return RoutineResult{}, fmt.Errorf("insert routine: %w", err)
	}

	templateIDs := make([]string, 0, len(days))
	for i, day := range days {
		templateID := util.NewID("tpl")
		plan := day.Content
		if len(plan) == 0 {
			plan = json.RawMessage(`{}`)
		}
		dayName := dayTitle(day, i)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO routine_templates (id, routine_id, day_index, name, plan)
			VALUES ($1, $2, $3, $4, $5)
		`, templateID, routineID, i, dayName, []byte(plan)); err != nil {
			return RoutineResult{}, fmt.Errorf("insert routine template: %w", err)
		}
		templateIDs = append(templateIDs, templateID)
	}

	if err := tx.Commit(); err != nil {
		return RoutineResult{}, fmt.Errorf("commit routine tx: %w", err)
	}
	return RoutineResult{RoutineID: routineID, TemplateIDs: templateIDs}, nil
}

func routineName(anchor store.Card) string {
	var content struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	}
	if len(anchor.Content) > 0 {
		_ = json.Unmarshal(anchor.Content, &content)
	}
	if name := strings.TrimSpace(content.Name); name != "" {
		return name
	}
	if title := strings.TrimSpace(content.Title); title != "" {
		return title
	}
	return "Routine"
}

func dayTitle(day store.Card, index int) string {
	var content struct {
		Title string `json:"title"`
	}
	if len(day.Content) > 0 {
		_ = json.Unmarshal(day.Content, &content)
	}
	if title := strings.TrimSpace(content.Title); title != "" {
		return title
	}
	return fmt.Sprintf("Day %d", index+1)
}

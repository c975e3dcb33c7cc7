package scheduler

import (
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// RiskWindows are the lead times used by EvaluateRisk.
type RiskWindows struct {
	// Critical is the lead time under which any open task is CRITICAL.
	Critical time.Duration
	// Warning is the lead time under which an open task is WARNING, or
	// CRITICAL when it is also blocked.
	Warning time.Duration
}

// DefaultRiskWindows returns 24h critical and 72h warning windows.
func DefaultRiskWindows() RiskWindows {
	return RiskWindows{Critical: 24 * time.Hour, Warning: 72 * time.Hour}
}

// EvaluateRisk classifies how close t is to missing its due date.
//
//   - DONE tasks are NORMAL.
//   - Overdue or due within the critical window: CRITICAL.
//   - Due within the warning window: CRITICAL if blocked, else WARNING.
//   - Otherwise, and for tasks without a due date: WARNING if blocked,
//     else NORMAL.
func EvaluateRisk(t *schema.Task, now time.Time, w RiskWindows) schema.RiskLevel {
	if t.Status == schema.StatusDone {
		return schema.RiskNormal
	}
	if t.DueDate != nil {
		left := t.DueDate.Sub(now)
		switch {
		case left <= w.Critical:
			return schema.RiskCritical
		case left <= w.Warning:
			if t.IsBlocked() {
				return schema.RiskCritical
			}
			return schema.RiskWarning
		}
	}
	if t.IsBlocked() {
		return schema.RiskWarning
	}
	return schema.RiskNormal
}

// RiskChange is a task whose level differs from the previous evaluation.
type RiskChange struct {
	TaskID    string
	ProjectID string
	Title     string
	From      schema.RiskLevel
	To        schema.RiskLevel
}

// Escalated reports whether the task newly became CRITICAL.
func (c RiskChange) Escalated() bool {
	return c.To == schema.RiskCritical && c.From != schema.RiskCritical
}

// DiffRisk evaluates tasks and compares the result with prev. Tasks absent
// from prev count as NORMAL before.
func DiffRisk(tasks []*schema.Task, prev map[string]schema.RiskLevel, now time.Time, w RiskWindows) (map[string]schema.RiskLevel, []RiskChange) {
	next := make(map[string]schema.RiskLevel, len(tasks))
	var changes []RiskChange
	for _, t := range tasks {
		level := EvaluateRisk(t, now, w)
		next[t.ID] = level
		before, ok := prev[t.ID]
		if !ok {
			before = schema.RiskNormal
		}
		if before != level {
			changes = append(changes, RiskChange{
				TaskID:    t.ID,
				ProjectID: t.ProjectID,
				Title:     t.Title,
				From:      before,
				To:        level,
			})
		}
	}
	return next, changes
}

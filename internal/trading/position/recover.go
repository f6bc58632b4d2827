package position

import (
	"context"
	"errors"

	"stop_engine/internal/core"
)

// RecoveryReport summarizes one Recover pass
type RecoveryReport struct {
	Tasks          int `json:"tasks"`
	EntriesPending int `json:"entries_pending"`
	ExitsResumed   int `json:"exits_resumed"`
	Orphans        int `json:"orphan_executions"`
	Failed         int `json:"failed"`
}

// Recover rebuilds in-memory state from the store after a restart. Armed,
// entering and active positions get their task back; exiting positions and
// unfinished untracked executions are finished through the executor.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	positions, err := m.store.ListPositions(ctx, core.StateArmed, core.StateEntering, core.StateActive, core.StateExiting)
	if err != nil {
		return report, err
	}

	for _, pos := range positions {
		switch pos.State {
		case core.StateArmed, core.StateActive:
			m.spawn(pos)
			report.Tasks++
		case core.StateEntering:
			// the task resolves the entry against the exchange before watching
			m.spawn(pos)
			report.Tasks++
			report.EntriesPending++
		case core.StateExiting:
			exec, err := m.store.GetExecution(ctx, pos.ID)
			if err != nil {
				m.logger.Error("Exiting position has no execution", "position_id", pos.ID, "error", err)
				report.Failed++
				continue
			}
			if _, err := m.executor.Resume(ctx, exec); err != nil {
				m.logger.Error("Failed to resume exit", "position_id", pos.ID, "error", err.Error())
				report.Failed++
				continue
			}
			report.ExitsResumed++
		}
	}

	// insurance exits have no position row
	pending, err := m.store.ListExecutions(ctx, core.ExecutionPending, core.ExecutionSubmitted)
	if err != nil {
		return report, err
	}
	for _, exec := range pending {
		if _, err := m.store.GetPosition(ctx, exec.PositionID); !errors.Is(err, core.ErrNotFound) {
			continue
		}
		if _, err := m.executor.Resume(ctx, exec); err != nil {
			m.logger.Error("Failed to resume untracked execution", "token", exec.Token, "error", err.Error())
			report.Failed++
			continue
		}
		report.Orphans++
	}

	m.logger.Info("Recovery complete",
		"tasks", report.Tasks,
		"entries_pending", report.EntriesPending,
		"exits_resumed", report.ExitsResumed,
		"orphans", report.Orphans,
		"failed", report.Failed)
	return report, nil
}

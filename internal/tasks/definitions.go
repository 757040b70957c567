package tasks

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"tokoku_shop_echo/internal/models"
)

// DefineTasks registers all available tasks. The sweep task carries its
// collaborators, so it is built by the caller and passed in.
func DefineTasks(sweep *ReconcileStalePaymentsTaskDef) {
	// Register general tasks
	RegisterHandler(LogInfoTask.TaskID(), LogInfoTask.HandleExecution)

	// Register payment tasks
	if sweep != nil {
		RegisterHandler(sweep.TaskID(), sweep.HandleExecution)
	}
}

// stale payments get swept every five minutes
const sweepRecurrence = "FREQ=MINUTELY;INTERVAL=5"

// EnsureSweepTask seeds the recurring stale-payment sweep if no active one
// exists yet. Safe to call on every worker start.
func EnsureSweepTask(db *gorm.DB) error {
	var existing models.ScheduledTask
	err := db.Where("task_name = ? AND status = ?",
		(&ReconcileStalePaymentsTaskDef{}).TaskID(), models.ScheduledTaskStatusActive).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	interval := sweepRecurrence
	task, err := BuildScheduledTask(
		(&ReconcileStalePaymentsTaskDef{}).TaskID(),
		map[string]interface{}{},
		time.Now(),
		&interval,
		models.ScheduledTaskTypeRecurring,
		1,
	)
	if err != nil {
		return err
	}
	return db.Create(task).Error
}

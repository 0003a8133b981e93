package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"gorm.io/gorm"
)

// GetWipBalance returns the balance of a pipeline step
func (r *Repository) GetWipBalance(ctx context.Context, jobItemStepID string) (*models.WipBalance, *RepositoryError) {
	var balance models.WipBalance
	err := r.db.WithContext(ctx).Where("job_item_step_id = ?", jobItemStepID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, CodeJobItemStepNotFound, "WIP balance does not exist",
				fmt.Sprintf("No WIP balance for job item step %s", jobItemStepID))
		}
		return nil, dbError(err)
	}
	return &balance, nil
}

// applyProduction credits the session's step with the good units and, when upstream consumption
// is on, debits the previous step by everything that was processed (good and scrap).
func (r *Repository) applyProduction(t *txn, s *models.Session, good, scrap int64) (*models.WipBalance, *models.WipBalance, *RepositoryError) {
	var step models.JobItemStep
	if err := t.db.Where("job_item_step_id = ?", s.JobItemStepID).First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, wipUpdateFailed(WipReasonStepMissing, fmt.Sprintf("job item step %s no longer exists", s.JobItemStepID))
		}
		return nil, nil, dbError(err)
	}

	var upstream *models.WipBalance
	if consumed := good + scrap; r.consumeUpstream && step.Position > 1 && consumed > 0 {
		prev, rerr := r.debitUpstream(t, &step, consumed)
		if rerr != nil {
			return nil, nil, rerr
		}
		upstream = prev
	}

	res := t.db.Model(&models.WipBalance{}).
		Where("job_item_step_id = ?", step.ID).
		Update("available_quantity", gorm.Expr("available_quantity + ?", good))
	if res.Error != nil {
		return nil, nil, wipUpdateFailed("database", res.Error.Error())
	}
	if res.RowsAffected == 0 {
		return nil, nil, wipUpdateFailed(WipReasonBalanceMissing, fmt.Sprintf("job item step %s has no WIP balance", step.ID))
	}

	balance, rerr := loadBalance(t.db, step.ID)
	if rerr != nil {
		return nil, nil, rerr
	}
	t.publish(eventbus.NewEvent(eventbus.WipUpdated, s.StationID, s.ID, s.WorkerID, t.now, map[string]any{
		"job_item_step_id":   step.ID,
		"delta":              good,
		"available_quantity": balance.AvailableQuantity,
	}))
	return balance, upstream, nil
}

// debitUpstream takes qty units from the balance of the step before step. The conditional update
// keeps the balance from going negative even if two closes race on the same upstream step.
func (r *Repository) debitUpstream(t *txn, step *models.JobItemStep, qty int64) (*models.WipBalance, *RepositoryError) {
	var prev models.JobItemStep
	err := t.db.Where("job_item_id = ? AND position = ?", step.JobItemID, step.Position-1).First(&prev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wipUpdateFailed(WipReasonUpstreamStepMissing,
				fmt.Sprintf("job item %s has no step at position %d", step.JobItemID, step.Position-1))
		}
		return nil, dbError(err)
	}

	res := t.db.Model(&models.WipBalance{}).
		Where("job_item_step_id = ? AND available_quantity >= ?", prev.ID, qty).
		Update("available_quantity", gorm.Expr("available_quantity - ?", qty))
	if res.Error != nil {
		return nil, wipUpdateFailed("database", res.Error.Error())
	}
	if res.RowsAffected == 1 {
		return loadBalance(t.db, prev.ID)
	}

	current, rerr := loadBalance(t.db, prev.ID)
	if rerr != nil {
		if rerr.Kind == KindNotFound {
			return nil, wipUpdateFailed(WipReasonUpstreamBalance, fmt.Sprintf("job item step %s has no WIP balance", prev.ID))
		}
		return nil, rerr
	}
	return nil, wipUpdateFailed(WipReasonInsufficientUpstream,
		fmt.Sprintf("step %s has %d units available, %d requested", prev.ID, current.AvailableQuantity, qty))
}

func loadBalance(db *gorm.DB, stepID string) (*models.WipBalance, *RepositoryError) {
	var balance models.WipBalance
	if err := db.Where("job_item_step_id = ?", stepID).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, CodeJobItemStepNotFound, "WIP balance does not exist",
				fmt.Sprintf("No WIP balance for job item step %s", stepID))
		}
		return nil, dbError(err)
	}
	return &balance, nil
}

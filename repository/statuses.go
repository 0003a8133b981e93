package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	"gorm.io/gorm"
)

// resolveStatus finds a status definition by id or code. Definitions are reference data and
// are cached; db must be the handle of the surrounding transaction, if any.
func (r *Repository) resolveStatus(db *gorm.DB, idOrCode string) (models.StatusDefinition, *RepositoryError) {
	if def, ok := r.statuses.Get(idOrCode); ok {
		return def, nil
	}

	var def models.StatusDefinition
	err := db.Where("status_id = ? OR code = ?", idOrCode, idOrCode).First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return def, newError(KindNotFound, CodeStatusNotFound, "Status does not exist",
				fmt.Sprintf("Status %s does not exist", idOrCode))
		}
		return def, dbError(err)
	}

	r.statuses.Add(idOrCode, def)
	return def, nil
}

// ListStatuses returns every status definition, protected ones included
func (r *Repository) ListStatuses(ctx context.Context) ([]models.StatusDefinition, *RepositoryError) {
	var defs []models.StatusDefinition
	if err := r.db.WithContext(ctx).Order("code").Find(&defs).Error; err != nil {
		return nil, dbError(err)
	}
	return defs, nil
}

// stoppedStatus is the protected terminal status written by abandonment.
func (r *Repository) stoppedStatus(db *gorm.DB) (models.StatusDefinition, *RepositoryError) {
	return r.resolveStatus(db, models.StatusCodeStopped)
}

package repositories

import (
	"context"

	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkItemDetailRepository provides access to work item projection rows
type WorkItemDetailRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewWorkItemDetailRepository creates a new work item detail repository
func NewWorkItemDetailRepository(db *gorm.DB, readOnlyDB *gorm.DB) *WorkItemDetailRepository {
	return &WorkItemDetailRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets a work item detail row by its work item ID. Returns
// (nil, nil) when the row does not exist yet. The projector reads
// through the write DB so the idempotency guard never sees stale rows.
func (r *WorkItemDetailRepository) GetByID(ctx context.Context, workItemID string) (*models.WorkItemDetail, error) {
	var detail models.WorkItemDetail
	err := r.db.WithContext(ctx).Where("work_item_id = ?", workItemID).First(&detail).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get work item detail")
	}
	return &detail, nil
}

// Save upserts a work item detail row
func (r *WorkItemDetailRepository) Save(ctx context.Context, detail *models.WorkItemDetail) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "work_item_id"}},
			UpdateAll: true,
		}).
		Create(detail).Error
	if err != nil {
		return errors.Wrap(err, "failed to save work item detail")
	}
	return nil
}

// ListByStatus lists work item detail rows with the given status
func (r *WorkItemDetailRepository) ListByStatus(ctx context.Context, status string, limit int) ([]models.WorkItemDetail, error) {
	var details []models.WorkItemDetail
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at DESC").
		Limit(limit).
		Find(&details).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list work item details by status")
	}
	return details, nil
}

// ListByCompany lists work item detail rows for one company
func (r *WorkItemDetailRepository) ListByCompany(ctx context.Context, companyID string, limit int) ([]models.WorkItemDetail, error) {
	var details []models.WorkItemDetail
	err := r.readOnlyDB.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&details).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list work item details by company")
	}
	return details, nil
}

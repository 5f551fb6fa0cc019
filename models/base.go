package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer trace.Tracer = otel.Tracer("purchases_backend/models")

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// forUpdate adds FOR UPDATE to the next read. Every row a reconciler writes is read this way.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func runInTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db := config.GetDB()
	if db == nil {
		return errors.New("database not initialized")
	}
	return db.WithContext(ctx).Transaction(fn)
}

func readDB(ctx context.Context) (*gorm.DB, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("database not initialized")
	}
	return db.WithContext(ctx), nil
}

// lockEntities takes the distributed locks for a reconciliation. A lock held elsewhere
// past the retry budget is reported as a conflict the client can resubmit.
func lockEntities(ctx context.Context, funcName string, keys ...string) (func(), error) {
	release, err := utils.LockEntities(ctx, funcName, keys...)
	if errors.Is(err, utils.ErrEntityBusy) {
		return release, &ConflictError{Entity: "lock", Key: fmt.Sprint(keys), Reason: err.Error()}
	}
	return release, err
}

// submittedBy is the identity stamped on entries created by this request.
func submittedBy(ctx context.Context) string {
	if name, ok := utils.GetUserNameFromContext(ctx); ok && name != "" {
		return name
	}
	if id, ok := utils.GetUserIdFromContext(ctx); ok {
		return id
	}
	return ""
}

type versioned interface {
	GetVersion() int
	SetVersion(int)
}

// saveVersioned writes the given columns only if the row still carries the version that was read,
// then bumps the version. A lost race is a ConflictError.
func saveVersioned(tx *gorm.DB, entity string, key string, model versioned, columns ...string) error {
	current := model.GetVersion()
	model.SetVersion(current + 1)
	res := tx.Model(model).
		Where("version = ?", current).
		Select(append(columns, "version")).
		Omit(clause.Associations).
		Updates(model)
	if res.Error != nil {
		model.SetVersion(current)
		return translateDBError(entity, key, res.Error)
	}
	if res.RowsAffected == 0 {
		model.SetVersion(current)
		return &ConflictError{Entity: entity, Key: key, Reason: "modified concurrently"}
	}
	return nil
}

// replaceChildRows makes the stored children of one owner exactly rows:
// stored rows whose id is not in rows are deleted, rows without an id are created, the rest are saved.
func replaceChildRows[T any](tx *gorm.DB, ownerColumn string, ownerId int, rows []T, rowId func(*T) int) error {
	keep := make([]int, 0, len(rows))
	for i := range rows {
		if id := rowId(&rows[i]); id > 0 {
			keep = append(keep, id)
		}
	}
	q := tx.Where(ownerColumn+" = ?", ownerId)
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	}
	var model T
	if err := q.Delete(&model).Error; err != nil {
		return err
	}
	for i := range rows {
		if rowId(&rows[i]) == 0 {
			if err := tx.Create(&rows[i]).Error; err != nil {
				return err
			}
		} else if err := tx.Save(&rows[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

package relay

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Upsert builds an operation that inserts record or, when a row with the same
// natural key exists, updates the given columns plus updated_at. Re-applying
// the same event after a crash therefore converges on the same row.
func Upsert(record any, conflictColumns []string, updateColumns []string) Operation {
	cols := make([]clause.Column, len(conflictColumns))
	for i, name := range conflictColumns {
		cols[i] = clause.Column{Name: name}
	}
	assignments := make([]string, 0, len(updateColumns)+1)
	assignments = append(assignments, updateColumns...)
	assignments = append(assignments, "updated_at")
	return func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   cols,
			DoUpdates: clause.AssignmentColumns(assignments),
		}).Create(record).Error
	}
}

// Update builds an operation that applies values to the rows matched by
// query/args on model, refreshing updated_at.
func Update(model any, values map[string]any, query string, args ...any) Operation {
	return func(tx *gorm.DB) error {
		return tx.Model(model).Where(query, args...).Updates(values).Error
	}
}

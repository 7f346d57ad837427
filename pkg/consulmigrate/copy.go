package consulmigrate

import (
	"context"

	"go.uber.org/zap"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// BatchSaver is implemented by repositories that save many records at once,
// such as the SQL repository inside one transaction.
type BatchSaver interface {
	SaveAll(ctx context.Context, records []*Record) error
}

// CopyRecords переносит записи из одного хранилища в другое.
// Вход: ctx, исходный и целевой репозитории, логгер.
// Выход: скопированные записи или error.
// Назначение: смена драйвера (например, consul -> postgres) без потери истории.
// Записи, уже существующие в целевом хранилище, не перезаписываются.
// CopyRecords copies the records missing in to from from. Existing records
// in to are left alone.
func CopyRecords(ctx context.Context, from, to Repository, log *zap.Logger) ([]*Record, error) {
	if log == nil {
		log = zap.NewNop()
	}

	records, err := from.GetAll(ctx)
	if err != nil {
		return nil, merrors.Wrap(merrors.EInternal, "CopyRecords", err)
	}

	var missing []*Record
	for _, rec := range records {
		_, err := to.Get(ctx, rec.Name)
		if err == nil {
			continue
		}
		if !merrors.Is(err, merrors.ERecordNotFound) {
			return nil, err
		}
		missing = append(missing, rec)
	}
	if len(missing) == 0 {
		return nil, nil
	}

	if bs, ok := to.(BatchSaver); ok {
		if err := bs.SaveAll(ctx, missing); err != nil {
			return nil, merrors.Wrap(merrors.EInternal, "CopyRecords", err)
		}
	} else {
		for i, rec := range missing {
			if err := to.Save(ctx, rec); err != nil {
				return missing[:i], merrors.Wrap(merrors.EInternal, "CopyRecords", err)
			}
		}
	}
	for _, rec := range missing {
		log.Info("Copied record", zap.String("migration", rec.Name), zap.Stringer("status", rec.Status))
	}
	return missing, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/mmeshcher/authgate-system/internal/model"
	"github.com/mmeshcher/authgate-system/internal/repository"
)

// resolveAccess вычисляет итоговый уровень доступа пользователя и сохраняет
// его в access_records, чтобы последующие чтения не переигрывали историю
// погашений. Приоритет источников, от высшего к низшему: только что
// погашенный VIP-код, запись VIP-реестра, только что погашенный промокод,
// ранее сохранённая запись, уровень free по умолчанию.
//
// Функция идемпотентна: при неизменных входах повторный вызов возвращает
// ту же запись и не выполняет запись в хранилище.
func (s *Service) resolveAccess(
	ctx context.Context,
	principal *model.Principal,
	vipRec *model.VipRecognition,
	redeemedType model.CodeType,
	redeemedBenefits map[string]any,
) (*model.AccessRecord, error) {
	prev, err := s.repo.GetAccessRecord(ctx, principal.ID)
	if err != nil && !errors.Is(err, repository.ErrAccessNotFound) {
		return nil, fmt.Errorf("load access record: %w", err)
	}

	level := model.AccessLevelFree
	switch {
	case redeemedType == model.CodeTypeVip:
		level = model.AccessLevelVip
	case vipRec != nil && vipRec.IsVip:
		level = model.AccessLevelVip
	case redeemedType == model.CodeTypePromo:
		level = model.AccessLevelPromo
	case prev != nil:
		level = prev.AccessLevel
	}

	benefits := map[string]any{}
	if prev != nil {
		for k, v := range prev.Benefits {
			benefits[k] = v
		}
	}
	for k, v := range redeemedBenefits {
		benefits[k] = v
	}

	metadata := map[string]any{}
	if prev != nil {
		for k, v := range prev.Metadata {
			metadata[k] = v
		}
	}
	if vipRec != nil && vipRec.IsVip {
		metadata["vip_level"] = vipRec.VipLevel
		metadata["vip_score"] = vipRec.VipScore
		if vipRec.CompanyName != "" {
			metadata["company_name"] = vipRec.CompanyName
		}
	}

	rec := &model.AccessRecord{
		UserID:      principal.ID,
		Email:       principal.Email,
		AccessLevel: level,
		IsVip:       level == model.AccessLevelVip,
		Benefits:    benefits,
		Metadata:    metadata,
	}

	if prev != nil && accessUnchanged(prev, rec) {
		return prev, nil
	}

	rec.UpdatedAt = s.clk.Now()
	if err := s.repo.UpsertAccessRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("upsert access record: %w", err)
	}

	return rec, nil
}

// accessUnchanged сравнивает записи без учёта updated_at.
func accessUnchanged(prev, next *model.AccessRecord) bool {
	return prev.Email == next.Email &&
		prev.AccessLevel == next.AccessLevel &&
		prev.IsVip == next.IsVip &&
		reflect.DeepEqual(prev.Benefits, next.Benefits) &&
		reflect.DeepEqual(prev.Metadata, next.Metadata)
}

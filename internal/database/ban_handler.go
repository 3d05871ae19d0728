package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"bangate/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxNameLength = 36

// BanStore persists name and IP bans. Every method leases a connection for
// the duration of a single statement.
type BanStore struct {
	conns *ConnectionManager
	now   func() time.Time
}

func NewBanStore(conns *ConnectionManager) *BanStore {
	return &BanStore{
		conns: conns,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Upsert creates the ban or, when the key already exists, overwrites the
// issuer, reason and ban time in place. The returned view matches the stored
// row, including an identity kept from an earlier ban.
func (s *BanStore) Upsert(ctx context.Context, req domain.BanRequest) (ban domain.Ban, err error) {
	if err := validateRequest(req); err != nil {
		return domain.Ban{}, err
	}

	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return domain.Ban{}, opError("upsert", req.Target, err)
	}
	defer func() { lease.Release(err) }()

	now := s.now()

	switch req.Target.Kind {
	case domain.KindName:
		record := domain.PlayerBan{
			PlayerName:     req.Target.Key,
			PlayerIdentity: req.Identity,
			BannedBy:       req.Issuer,
			Reason:         req.Reason,
			BanTime:        now,
		}
		err = lease.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "player_name"}},
			DoUpdates: clause.Assignments(map[string]any{
				"player_identity": gorm.Expr("COALESCE(excluded.player_identity, player_bans.player_identity)"),
				"banned_by":       req.Issuer,
				"reason":          req.Reason,
				"ban_time":        now,
			}),
		}).Create(&record).Error
		if err != nil {
			return domain.Ban{}, opError("upsert", req.Target, err)
		}
		if req.Identity == nil {
			// an identity stored by an earlier ban survives the update
			var stored domain.PlayerBan
			err = lease.DB.Select("player_identity").Where("player_name = ?", req.Target.Key).Take(&stored).Error
			if err != nil {
				return domain.Ban{}, opError("upsert", req.Target, err)
			}
			record.PlayerIdentity = stored.PlayerIdentity
		}
		ban = record.View()
	default:
		record := domain.IPBan{
			IP:       req.Target.Key,
			BannedBy: req.Issuer,
			Reason:   req.Reason,
			BanTime:  now,
		}
		err = lease.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "ip"}},
			DoUpdates: clause.Assignments(map[string]any{
				"banned_by": req.Issuer,
				"reason":    req.Reason,
				"ban_time":  now,
			}),
		}).Create(&record).Error
		if err != nil {
			return domain.Ban{}, opError("upsert", req.Target, err)
		}
		ban = record.View()
	}

	return ban, nil
}

// Delete removes the ban if present. Deleting an absent key is not an error;
// the returned flag says whether a row was removed.
func (s *BanStore) Delete(ctx context.Context, target domain.Target) (removed bool, err error) {
	if err := validateTarget(target); err != nil {
		return false, err
	}

	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return false, opError("delete", target, err)
	}
	defer func() { lease.Release(err) }()

	model, column := tableFor(target.Kind)
	result := lease.DB.Where(column+" = ?", target.Key).Delete(model)
	if err = result.Error; err != nil {
		return false, opError("delete", target, err)
	}
	return result.RowsAffected > 0, nil
}

func (s *BanStore) IsBanned(ctx context.Context, target domain.Target) (banned bool, err error) {
	if err := validateTarget(target); err != nil {
		return false, err
	}

	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return false, opError("exists", target, err)
	}
	defer func() { lease.Release(err) }()

	model, column := tableFor(target.Kind)
	var count int64
	if err = lease.DB.Model(model).Where(column+" = ?", target.Key).Count(&count).Error; err != nil {
		return false, opError("exists", target, err)
	}
	return count > 0, nil
}

// BanReason returns the stored reason. ok is false when no ban exists.
func (s *BanStore) BanReason(ctx context.Context, target domain.Target) (reason string, ok bool, err error) {
	ban, err := s.Find(ctx, target)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ban.Reason, true, nil
}

// Find loads the full ban record, or ErrNotFound.
func (s *BanStore) Find(ctx context.Context, target domain.Target) (ban domain.Ban, err error) {
	if err := validateTarget(target); err != nil {
		return domain.Ban{}, err
	}

	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return domain.Ban{}, opError("find", target, err)
	}
	defer func() { lease.Release(err) }()

	switch target.Kind {
	case domain.KindName:
		var record domain.PlayerBan
		err = lease.DB.Where("player_name = ?", target.Key).Take(&record).Error
		if err == nil {
			return record.View(), nil
		}
	default:
		var record domain.IPBan
		err = lease.DB.Where("ip = ?", target.Key).Take(&record).Error
		if err == nil {
			return record.View(), nil
		}
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Ban{}, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	return domain.Ban{}, opError("find", target, err)
}

// List returns every ban of the given kind ordered by key.
func (s *BanStore) List(ctx context.Context, kind domain.Kind) (bans []domain.Ban, err error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	target := domain.Target{Kind: kind, Key: "*"}

	lease, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, opError("list", target, err)
	}
	defer func() { lease.Release(err) }()

	switch kind {
	case domain.KindName:
		var records []domain.PlayerBan
		if err = lease.DB.Order("player_name ASC").Find(&records).Error; err != nil {
			return nil, opError("list", target, err)
		}
		bans = make([]domain.Ban, 0, len(records))
		for _, r := range records {
			bans = append(bans, r.View())
		}
	default:
		var records []domain.IPBan
		if err = lease.DB.Order("ip ASC").Find(&records).Error; err != nil {
			return nil, opError("list", target, err)
		}
		bans = make([]domain.Ban, 0, len(records))
		for _, r := range records {
			bans = append(bans, r.View())
		}
	}
	return bans, nil
}

func tableFor(kind domain.Kind) (any, string) {
	if kind == domain.KindName {
		return &domain.PlayerBan{}, "player_name"
	}
	return &domain.IPBan{}, "ip"
}

func validateTarget(target domain.Target) error {
	if !target.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, target.Kind)
	}
	if strings.TrimSpace(target.Key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalid)
	}
	if target.Kind == domain.KindName && utf8.RuneCountInString(target.Key) > maxNameLength {
		return fmt.Errorf("%w: name longer than %d characters", ErrInvalid, maxNameLength)
	}
	if target.Kind == domain.KindIP && !domain.IsIPv4(target.Key) {
		return fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalid, target.Key)
	}
	return nil
}

func validateRequest(req domain.BanRequest) error {
	if err := validateTarget(req.Target); err != nil {
		return err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalid)
	}
	if strings.TrimSpace(req.Issuer) == "" {
		return fmt.Errorf("%w: issuer is required", ErrInvalid)
	}
	return nil
}

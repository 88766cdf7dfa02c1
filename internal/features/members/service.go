// Package members — service.go содержит бизнес-логику управления пользователями.
// Сервис координирует регистрацию, реферальные бонусы и обновление профиля.
package members

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
)

// referralPrefix — параметр ссылки t.me/<bot>?start=ref_<user_id>
const referralPrefix = "ref_"

// Service управляет пользователями бота.
type Service struct {
	repo     Store
	rewarder ReferralRewarder
}

// NewService создаёт новый сервис пользователей. rewarder может быть nil — тогда бонусов нет.
func NewService(repo Store, rewarder ReferralRewarder) *Service {
	return &Service{repo: repo, rewarder: rewarder}
}

// Register регистрирует пользователя при /start. Реферер запоминается только
// при первом контакте и только если он сам зарегистрирован; в этом случае
// пригласившему начисляется бонус.
//
// Возвращает true, если пользователь новый.
func (s *Service) Register(ctx context.Context, p Profile, referrerID int64) (bool, error) {
	member := &Member{
		UserID:    p.UserID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Locale:    p.Locale,
	}

	var referrer *Member
	if referrerID != 0 && referrerID != p.UserID {
		r, err := s.repo.GetByUserID(ctx, referrerID)
		switch {
		case err == nil:
			referrer = r
			member.ReferrerID = &referrerID
		case errors.Is(err, ErrNotFound):
			log.WithFields(log.Fields{"user_id": p.UserID, "referrer_id": referrerID}).Info("Реферер не найден, регистрируем без него")
		default:
			return false, err
		}
	}

	created, err := s.repo.Create(ctx, member)
	if err != nil {
		return false, fmt.Errorf("ошибка регистрации пользователя: %w", err)
	}
	if !created {
		if err := s.repo.UpdateInfo(ctx, p); err != nil {
			return false, err
		}
		existing, err := s.repo.GetByUserID(ctx, p.UserID)
		if err != nil {
			return false, err
		}
		s.rewardReferrer(ctx, existing, nil)
		return false, nil
	}

	log.WithFields(log.Fields{
		"user_id":     p.UserID,
		"username":    p.Username,
		"referrer_id": referrerID,
	}).Info("Новый пользователь зарегистрирован")

	s.rewardReferrer(ctx, member, referrer)
	return true, nil
}

// EnsureMember гарантирует, что пользователь есть в базе, и обновляет профиль.
// Используется при каждом сообщении. Заодно дозачисляет реферальный бонус,
// если прошлая попытка не удалась.
func (s *Service) EnsureMember(ctx context.Context, p Profile) error {
	m, err := s.repo.GetByUserID(ctx, p.UserID)
	if errors.Is(err, ErrNotFound) {
		_, err = s.Register(ctx, p, 0)
		return err
	}
	if err != nil {
		return err
	}
	if err := s.repo.UpdateInfo(ctx, p); err != nil {
		return err
	}
	s.rewardReferrer(ctx, m, nil)
	return nil
}

// rewardReferrer начисляет бонус пригласившему, пока он не отмечен как зачисленный.
// Ключ операции детерминирован (referral-<tenant>-<user_id>), поэтому повтор
// после сбоя второй бонус не начислит. referrer может быть nil.
func (s *Service) rewardReferrer(ctx context.Context, m *Member, referrer *Member) {
	if s.rewarder == nil || m.ReferrerID == nil || m.ReferralPaid {
		return
	}
	logger := log.WithFields(log.Fields{
		"user_id":     m.UserID,
		"referrer_id": *m.ReferrerID,
	})

	locale := ""
	if referrer != nil {
		locale = referrer.Locale
	} else if r, err := s.repo.GetByUserID(ctx, *m.ReferrerID); err == nil {
		locale = r.Locale
	}

	err := s.rewarder.RewardReferral(ctx, *m.ReferrerID, m.UserID, locale)
	switch {
	case err != nil && common.IsBusiness(err):
		// отказ не исправится повтором: больше не пытаемся
		logger.WithError(err).Warn("Реферальный бонус отклонён")
	case err != nil:
		logger.WithError(err).Error("Не удалось начислить реферальный бонус, повторим при следующем сообщении")
		return
	}
	if err := s.repo.MarkReferralPaid(ctx, m.UserID); err != nil {
		// не страшно: повторное начисление вернёт исходную операцию
		logger.WithError(err).Warn("Не удалось отметить реферальный бонус")
	}
}

// GetByUserID возвращает пользователя по его Telegram user ID.
func (s *Service) GetByUserID(ctx context.Context, userID int64) (*Member, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// Locale возвращает язык пользователя, для незнакомых — пустую строку.
func (s *Service) Locale(ctx context.Context, userID int64) string {
	m, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return ""
	}
	return m.Locale
}

// CountReferrals — сколько пользователей пригласил userID.
func (s *Service) CountReferrals(ctx context.Context, userID int64) (int64, error) {
	return s.repo.CountReferrals(ctx, userID)
}

// ParseReferral извлекает user_id пригласившего из аргумента /start.
// "ref_123" → 123. Всё остальное — 0.
func ParseReferral(arg string) int64 {
	if !strings.HasPrefix(arg, referralPrefix) {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, referralPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// ReferralLink — ссылка-приглашение пользователя.
func ReferralLink(botUsername string, userID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%d", botUsername, referralPrefix, userID)
}

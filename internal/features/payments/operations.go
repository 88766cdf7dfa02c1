package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/features/ledger"
	"serotonyl.ru/starsbot/internal/features/subscriptions"
)

// Причины автоматических возвратов
const (
	// ReasonGenerationFailed — генерация упала после списания
	ReasonGenerationFailed = "generation_failed"
	// ReasonSubscriptionFailed — списание прошло, а подписку продлить не удалось
	ReasonSubscriptionFailed = "subscription_failed"
)

// Refund возвращает звёзды за завершённое списание.
// Возврат — новая запись INCOME с operation_id "refund-<исходный>", поэтому
// повторный возврат той же операции ничего не начисляет.
func (p *Processor) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if req.OriginalOperationID == "" {
		return &Result{Reason: common.ErrInvalidOperation}, nil
	}

	orig, err := p.lookup(ctx, req.OriginalOperationID)
	if err != nil {
		return nil, storageFailure("refund_lookup", 0, req.OriginalOperationID, 0, err)
	}
	if orig == nil {
		return &Result{Reason: fmt.Errorf("%w: %w", common.ErrNotRefundable, common.ErrRecordNotFound)}, nil
	}
	if orig.Tenant != p.opts.Tenant || orig.Status != ledger.StatusCompleted || orig.Direction != ledger.DirectionOutcome {
		log.WithFields(log.Fields{
			"operation_id": orig.OperationID,
			"direction":    orig.Direction,
			"status":       orig.Status,
		}).Info("Операцию нельзя вернуть")
		return &Result{Reason: common.ErrNotRefundable}, nil
	}

	return p.Process(ctx, Operation{
		UserID:      orig.UserID,
		OperationID: RefundOperationID(orig.OperationID),
		AmountMinor: orig.AmountMinor,
		Direction:   ledger.DirectionIncome,
		Category:    ledger.CategoryRefund,
		Bypass:      true,
		Metadata: ledger.RefundMeta{
			OriginalOperationID: orig.OperationID,
			OriginalRecordID:    orig.ID,
			OperatorID:          req.OperatorID,
			Reason:              req.Reason,
		},
		Locale: req.Locale,
	})
}

// RefundCharge — автоматический возврат, когда генерация упала после списания.
func (p *Processor) RefundCharge(ctx context.Context, originalOperationID, locale string) (*Result, error) {
	return p.Refund(ctx, RefundRequest{
		OriginalOperationID: originalOperationID,
		Reason:              ReasonGenerationFailed,
		Locale:              locale,
	})
}

// Renew — админское продление подписки. Нулевая сумма пишется как пометка (noop)
// и в балансе не участвует. Подписка продлевается и при повторе операции:
// если прошлый вызов упал между записью и продлением, повтор его завершит.
func (p *Processor) Renew(ctx context.Context, req RenewalRequest) (*Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return &Result{Reason: fmt.Errorf("%w: не указана причина", common.ErrInvalidOperation)}, nil
	}
	days := req.Days
	if req.Plan != "" && days == 0 {
		plan, err := subscriptions.FindPlan(req.Plan)
		if err != nil {
			return &Result{Reason: err}, nil
		}
		days = plan.Days
	}
	if days < 0 {
		return &Result{Reason: common.ErrInvalidAmount}, nil
	}

	res, err := p.Process(ctx, Operation{
		UserID:      req.UserID,
		OperationID: req.OperationID,
		AmountMinor: req.AmountMinor,
		Direction:   ledger.DirectionIncome,
		Category:    ledger.CategoryAdminRenewal,
		Bypass:      true,
		AllowZero:   true,
		Metadata: ledger.AdminMeta{
			OperatorID: req.OperatorID,
			Reason:     req.Reason,
			Plan:       req.Plan,
			Days:       days,
		},
		Description: fmt.Sprintf("Продление подписки %s на %d %s", req.Plan, days, common.PluralizeDays(days)),
	})
	if err != nil || !res.Success || days == 0 || p.subs == nil {
		return res, err
	}

	sctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	defer cancel()
	if _, err := p.subs.Extend(sctx, req.OperationID, req.UserID, req.Plan, days); err != nil {
		return nil, storageFailure("subscription_extend", req.UserID, req.OperationID, req.AmountMinor, err)
	}
	return res, nil
}

// Grant — ручное начисление звёзд администратором.
func (p *Processor) Grant(ctx context.Context, req GrantRequest) (*Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return &Result{Reason: fmt.Errorf("%w: не указана причина", common.ErrInvalidOperation)}, nil
	}
	return p.Process(ctx, Operation{
		UserID:      req.UserID,
		OperationID: req.OperationID,
		AmountMinor: req.AmountMinor,
		Direction:   ledger.DirectionIncome,
		Category:    ledger.CategoryAdminGrant,
		Bypass:      true,
		Metadata:    ledger.AdminMeta{OperatorID: req.OperatorID, Reason: req.Reason},
		Description: req.Reason,
	})
}

// PurchaseSubscription списывает стоимость тарифа и продлевает подписку.
func (p *Processor) PurchaseSubscription(ctx context.Context, userID int64, operationID, planCode, locale string) (*Result, *subscriptions.Subscription, error) {
	plan, err := subscriptions.FindPlan(planCode)
	if err != nil {
		return &Result{Reason: err}, nil, nil
	}

	res, err := p.Process(ctx, Operation{
		UserID:      userID,
		OperationID: operationID,
		AmountMinor: plan.Price,
		Direction:   ledger.DirectionOutcome,
		Category:    ledger.CategorySubscriptionPurchase,
		Metadata:    ledger.PurchaseMeta{Plan: plan.Code, Days: plan.Days},
		Locale:      locale,
	})
	if err != nil || !res.Success || p.subs == nil {
		return res, nil, err
	}

	if res.Replayed {
		// покупку уже откатили возвратом: подписку за неё не выдаём
		refund, err := p.lookup(ctx, RefundOperationID(operationID))
		if err != nil {
			return nil, nil, storageFailure("refund_lookup", userID, operationID, plan.Price, err)
		}
		if refund != nil {
			return &Result{Reason: fmt.Errorf("%w: покупка %s отменена возвратом", common.ErrOperationConflict, operationID)}, nil, nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	defer cancel()
	sub, err := p.subs.Extend(sctx, operationID, userID, plan.Code, plan.Days)
	if err != nil {
		p.compensatePurchase(ctx, operationID, userID, locale, err)
		return nil, nil, storageFailure("subscription_extend", userID, operationID, plan.Price, err)
	}
	return res, sub, nil
}

// compensatePurchase возвращает звёзды за покупку, подписку по которой оформить не удалось.
// Повтор из бота придёт уже с другим operation_id.
func (p *Processor) compensatePurchase(ctx context.Context, operationID string, userID int64, locale string, cause error) {
	logger := log.WithFields(log.Fields{
		"user_id":      userID,
		"operation_id": operationID,
		"cause":        cause.Error(),
	})

	res, err := p.Refund(context.WithoutCancel(ctx), RefundRequest{
		OriginalOperationID: operationID,
		Reason:              ReasonSubscriptionFailed,
		Locale:              locale,
	})
	switch {
	case err != nil:
		logger.WithError(err).Error("Подписка не оформлена, вернуть звёзды не удалось: нужен ручной возврат")
	case !res.Success:
		logger.WithError(res.Reason).Error("Подписка не оформлена, возврат отклонён")
	default:
		logger.WithField("new_balance", res.NewBalance).Warn("Подписка не оформлена, звёзды возвращены")
	}
}

// RewardReferral начисляет бонус пригласившему. Один бонус на приглашённого.
func (p *Processor) RewardReferral(ctx context.Context, referrerID, newUserID int64, locale string) error {
	if p.opts.ReferralBonus <= 0 || referrerID == 0 || referrerID == newUserID {
		return nil
	}
	res, err := p.Process(ctx, Operation{
		UserID:      referrerID,
		OperationID: ReferralOperationID(p.opts.Tenant, newUserID),
		AmountMinor: p.opts.ReferralBonus,
		Direction:   ledger.DirectionIncome,
		Category:    ledger.CategoryReferralBonus,
		Metadata:    ledger.ReferralMeta{ReferredUserID: newUserID},
		Locale:      locale,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return res.Reason
	}
	return nil
}

// TopUp зачисляет звёзды после успешной оплаты в Telegram.
func (p *Processor) TopUp(ctx context.Context, req TopUpRequest) (*Result, error) {
	if req.TelegramChargeID == "" {
		return &Result{Reason: common.ErrInvalidOperation}, nil
	}
	return p.Process(ctx, Operation{
		UserID:      req.UserID,
		OperationID: TopUpOperationID(req.TelegramChargeID),
		AmountMinor: req.Stars,
		Direction:   ledger.DirectionIncome,
		Category:    ledger.CategoryTopUp,
		Metadata: ledger.TopUpMeta{
			TelegramChargeID: req.TelegramChargeID,
			ProviderChargeID: req.ProviderChargeID,
			Pack:             req.Pack,
		},
		CurrencyContext: &ledger.CurrencyContext{Currency: req.Currency, AmountMinor: req.TotalAmount},
		Locale:          req.Locale,
	})
}

// Ключи идемпотентности
func RefundOperationID(original string) string { return "refund-" + original }

func TopUpOperationID(chargeID string) string { return "tg-charge-" + chargeID }

func ReferralOperationID(tenant string, newUserID int64) string {
	return fmt.Sprintf("referral-%s-%d", tenant, newUserID)
}

// CommandOperationID — ключ для команды из сообщения: повторная доставка
// того же апдейта Telegram не проведёт операцию второй раз.
func CommandOperationID(kind string, chatID int64, messageID int) string {
	return fmt.Sprintf("%s-%d-%d", kind, chatID, messageID)
}

// describe — подпись к уведомлению.
func describe(op Operation) string {
	if op.Description != "" {
		return op.Description
	}
	en := common.IsEnglish(op.Locale)
	switch op.Category {
	case ledger.CategoryImageGeneration:
		return pick(en, "Image generation", "Генерация изображения")
	case ledger.CategoryVideoGeneration:
		return pick(en, "Video generation", "Генерация видео")
	case ledger.CategorySubscriptionPurchase:
		return pick(en, "Subscription purchase", "Покупка подписки")
	case ledger.CategoryTopUp:
		return pick(en, "Balance top-up", "Пополнение баланса")
	case ledger.CategoryReferralBonus:
		return pick(en, "Referral bonus", "Бонус за приглашённого друга")
	case ledger.CategoryRefund:
		return pick(en, "Refund", "Возврат звёзд")
	}
	return ""
}

func pick(en bool, english, russian string) string {
	if en {
		return english
	}
	return russian
}

// UserMessage — текст отказа для пользователя.
func UserMessage(err error, locale string) string {
	en := common.IsEnglish(locale)
	switch {
	case errors.Is(err, common.ErrInsufficientFunds):
		return pick(en, "❌ Not enough stars", "❌ Недостаточно звёзд")
	case errors.Is(err, common.ErrInvalidAmount):
		return pick(en, "❌ Invalid amount", "❌ Некорректная сумма")
	case errors.Is(err, common.ErrUnknownPlan):
		return pick(en, "❌ Unknown plan", "❌ Неизвестный тариф")
	case errors.Is(err, common.ErrOperationConflict):
		return pick(en, "❌ This operation was already used", "❌ Эта операция уже использована")
	case errors.Is(err, common.ErrNotRefundable):
		return pick(en, "❌ This operation can't be refunded", "❌ Эту операцию нельзя вернуть")
	case errors.Is(err, common.ErrStorage):
		return pick(en, "⚠️ Something went wrong, please try again", "⚠️ Что-то пошло не так, попробуйте ещё раз")
	case err != nil:
		return pick(en, "❌ Operation rejected", "❌ Операция отклонена")
	}
	return ""
}

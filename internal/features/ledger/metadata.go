package ledger

import (
	"encoding/json"
	"fmt"
)

// MetaKind — тип метаданных записи.
type MetaKind string

const (
	MetaTopUp      MetaKind = "topup"
	MetaPurchase   MetaKind = "purchase"
	MetaGeneration MetaKind = "generation"
	MetaReferral   MetaKind = "referral"
	MetaAdmin      MetaKind = "admin"
	MetaRefund     MetaKind = "refund"
)

// Metadata — типизированные метаданные записи. Набор реализаций закрыт.
type Metadata interface {
	Kind() MetaKind
}

// TopUpMeta — пополнение через Telegram Payments.
type TopUpMeta struct {
	TelegramChargeID string `json:"telegram_charge_id"`
	ProviderChargeID string `json:"provider_charge_id,omitempty"`
	Pack             string `json:"pack,omitempty"`
}

// PurchaseMeta — покупка подписки.
type PurchaseMeta struct {
	Plan string `json:"plan"`
	Days int    `json:"days"`
}

// GenerationMeta — оплата генерации изображения или видео.
type GenerationMeta struct {
	Model     string `json:"model"`
	RequestID string `json:"request_id,omitempty"`
}

// ReferralMeta — бонус за приглашённого пользователя.
type ReferralMeta struct {
	ReferredUserID int64 `json:"referred_user_id"`
}

// AdminMeta — ручная операция администратора. Reason обязателен.
type AdminMeta struct {
	OperatorID int64  `json:"operator_id"`
	Reason     string `json:"reason"`
	Plan       string `json:"plan,omitempty"`
	Days       int    `json:"days,omitempty"`
}

// RefundMeta — компенсация ранее списанной операции.
type RefundMeta struct {
	OriginalOperationID string `json:"original_operation_id"`
	OriginalRecordID    string `json:"original_record_id"`
	OperatorID          int64  `json:"operator_id,omitempty"`
	Reason              string `json:"reason"`
}

func (TopUpMeta) Kind() MetaKind      { return MetaTopUp }
func (PurchaseMeta) Kind() MetaKind   { return MetaPurchase }
func (GenerationMeta) Kind() MetaKind { return MetaGeneration }
func (ReferralMeta) Kind() MetaKind   { return MetaReferral }
func (AdminMeta) Kind() MetaKind      { return MetaAdmin }
func (RefundMeta) Kind() MetaKind     { return MetaRefund }

// envelope — формат хранения в JSONB: {"kind": "...", "data": {...}}
type envelope struct {
	Kind MetaKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata сериализует метаданные. nil — NULL в базе.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации метаданных %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Kind: m.Kind(), Data: data})
}

// DecodeMetadata восстанавливает метаданные по полю kind. Неизвестный kind — ошибка.
func DecodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("ошибка разбора метаданных: %w", err)
	}

	var m Metadata
	var err error
	switch env.Kind {
	case MetaTopUp:
		m, err = decodeAs[TopUpMeta](env.Data)
	case MetaPurchase:
		m, err = decodeAs[PurchaseMeta](env.Data)
	case MetaGeneration:
		m, err = decodeAs[GenerationMeta](env.Data)
	case MetaReferral:
		m, err = decodeAs[ReferralMeta](env.Data)
	case MetaAdmin:
		m, err = decodeAs[AdminMeta](env.Data)
	case MetaRefund:
		m, err = decodeAs[RefundMeta](env.Data)
	default:
		return nil, fmt.Errorf("неизвестный тип метаданных %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора метаданных %s: %w", env.Kind, err)
	}
	return m, nil
}

func decodeAs[T Metadata](data json.RawMessage) (Metadata, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

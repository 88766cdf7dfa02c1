package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/starsbot/internal/config"
	"serotonyl.ru/starsbot/internal/features/ledger"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.sendErr
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	msg, ok := f.sent[len(f.sent)-1].(tgbotapi.MessageConfig)
	require.True(t, ok, "последнее отправленное — не текст")
	return msg.Text
}

func testConfig() *config.Config {
	return &config.Config{
		BotTenant:         tenant,
		PaymentsCurrency:  "XTR",
		TopUpMaxRetries:   2,
		TopUpRetryBackoff: time.Millisecond,
		StarsPacks: []config.StarsPack{
			{Code: "small", Stars: 100, Price: 100},
			{Code: "medium", Stars: 550, Price: 500},
		},
	}
}

func newHandler(t *testing.T) (*testEnv, *Handler, *fakeBot) {
	e := newEnv(t)
	bot := &fakeBot{}
	return e, NewHandler(e.proc, e.subs, testConfig(), bot), bot
}

func TestHandleBalance(t *testing.T) {
	e, h, bot := newHandler(t)
	ctx := context.Background()

	e.process(t, incomeOp(1, "a1", 150))
	h.HandleBalance(ctx, 1, 1, "ru")
	assert.Equal(t, "⭐ Баланс: 150 звёзд", bot.lastText(t))

	_, err := e.subs.Extend(ctx, "renew-1", 1, "week", 7)
	require.NoError(t, err)
	h.HandleBalance(ctx, 1, 1, "en")
	assert.Contains(t, bot.lastText(t), "⭐ Balance: 150 stars\n📅 Subscription week until ")
}

func TestHandleBalanceStorageError(t *testing.T) {
	e, h, bot := newHandler(t)
	e.store.FailNext(errors.New("db down"))

	h.HandleBalance(context.Background(), 1, 1, "ru")
	assert.Contains(t, bot.lastText(t), "попробуйте ещё раз")
}

func TestHandleHistory(t *testing.T) {
	e, h, bot := newHandler(t)
	ctx := context.Background()

	h.HandleHistory(ctx, 1, 1, "ru")
	assert.Equal(t, "📜 Операций пока нет", bot.lastText(t))

	e.process(t, incomeOp(1, "a1", 100))
	e.process(t, outcomeOp(1, "a2", 30))
	h.HandleHistory(ctx, 1, 1, "ru")

	text := bot.lastText(t)
	assert.Contains(t, text, "-30 звёзд  image_generation")
	assert.Contains(t, text, "+100 звёзд  topup")
	assert.Contains(t, text, "Всего: +100 / -30")
}

func TestHandleSubscribe(t *testing.T) {
	e, h, bot := newHandler(t)
	ctx := context.Background()

	h.HandleSubscribe(ctx, 1, 1, 10, nil, "ru")
	assert.Contains(t, bot.lastText(t), "month — 30 дней, 500 звёзд")

	h.HandleSubscribe(ctx, 1, 1, 11, []string{"week"}, "ru")
	assert.Equal(t, "❌ Недостаточно звёзд", bot.lastText(t))

	e.process(t, incomeOp(1, "a1", 200))
	h.HandleSubscribe(ctx, 1, 1, 12, []string{"WEEK"}, "ru")
	assert.Contains(t, bot.lastText(t), "✅ Подписка week до ")
	assert.Contains(t, bot.lastText(t), "⭐ Баланс: 50 звёзд")

	// повторная доставка того же сообщения не списывает второй раз
	h.HandleSubscribe(ctx, 1, 1, 12, []string{"week"}, "ru")
	balance, err := e.proc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	rec, err := e.store.GetByOperationID(ctx, "sub-1-12")
	require.NoError(t, err)
	assert.Equal(t, ledger.PurchaseMeta{Plan: "week", Days: 7}, rec.Metadata)
}

func TestHandleBuySendsInvoice(t *testing.T) {
	_, h, bot := newHandler(t)

	h.HandleBuy(context.Background(), 5, 5, []string{"medium"}, "ru")

	require.Len(t, bot.sent, 1)
	invoice, ok := bot.sent[0].(tgbotapi.InvoiceConfig)
	require.True(t, ok)
	assert.Equal(t, int64(5), invoice.ChatID)
	assert.Equal(t, "stars:medium:5", invoice.Payload)
	assert.Equal(t, "XTR", invoice.Currency)
	require.Len(t, invoice.Prices, 1)
	assert.Equal(t, 500, invoice.Prices[0].Amount)

	h.HandleBuy(context.Background(), 5, 5, []string{"huge"}, "ru")
	assert.Equal(t, "❌ Неизвестный пакет", bot.lastText(t))
}

func TestHandlePreCheckout(t *testing.T) {
	_, h, bot := newHandler(t)

	h.HandlePreCheckout(context.Background(), &tgbotapi.PreCheckoutQuery{
		ID: "q1", Currency: "XTR", TotalAmount: 500, InvoicePayload: "stars:medium:5",
	})
	h.HandlePreCheckout(context.Background(), &tgbotapi.PreCheckoutQuery{
		ID: "q2", Currency: "XTR", TotalAmount: 1, InvoicePayload: "stars:medium:5",
	})

	require.Len(t, bot.requests, 2)
	ok := bot.requests[0].(tgbotapi.PreCheckoutConfig)
	assert.True(t, ok.OK)
	rejected := bot.requests[1].(tgbotapi.PreCheckoutConfig)
	assert.False(t, rejected.OK)
	assert.NotEmpty(t, rejected.ErrorMessage)
}

func TestHandleSuccessfulPayment(t *testing.T) {
	e, h, _ := newHandler(t)
	ctx := context.Background()

	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 5, LanguageCode: "en"},
		Chat: &tgbotapi.Chat{ID: 5},
		Date: int(time.Now().Unix()),
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{
			Currency:                "XTR",
			TotalAmount:             500,
			InvoicePayload:          "stars:medium:5",
			TelegramPaymentChargeID: "tg_123",
		},
	}
	h.HandleSuccessfulPayment(ctx, msg)
	h.HandleSuccessfulPayment(ctx, msg)

	balance, err := e.proc.Balance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(550), balance)

	notes := e.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "en", notes[0].Locale)
	assert.Equal(t, "tg-charge-tg_123", notes[0].OperationID)
}

func paidMessage(userID int64, chargeID string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{
			Currency:                "XTR",
			TotalAmount:             100,
			InvoicePayload:          InvoicePayload("small", userID),
			TelegramPaymentChargeID: chargeID,
		},
	}
}

func TestSuccessfulPaymentRetriesStorageFailure(t *testing.T) {
	e, h, bot := newHandler(t)
	ctx := context.Background()

	e.store.FailNext(errors.New("connection reset"))
	h.HandleSuccessfulPayment(ctx, paidMessage(5, "tg_retry"))

	balance, err := e.proc.Balance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	assert.Empty(t, bot.sent, "после успешного повтора ошибку не показываем")

	rec, err := e.store.GetByOperationID(ctx, TopUpOperationID("tg_retry"))
	require.NoError(t, err)
	assert.Equal(t, ledger.CategoryTopUp, rec.Category)
}

func TestSuccessfulPaymentWithoutRetries(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.TopUpMaxRetries = 0
	bot := &fakeBot{}
	h := NewHandler(e.proc, e.subs, cfg, bot)
	ctx := context.Background()

	e.store.FailNext(errors.New("connection reset"))
	h.HandleSuccessfulPayment(ctx, paidMessage(5, "tg_once"))
	assert.Contains(t, bot.lastText(t), "попробуйте ещё раз")

	balance, err := e.proc.Balance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// повтор с тем же charge id зачисляет ровно один раз
	h.HandleSuccessfulPayment(ctx, paidMessage(5, "tg_once"))
	h.HandleSuccessfulPayment(ctx, paidMessage(5, "tg_once"))
	balance, err = e.proc.Balance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestInvoicePayload(t *testing.T) {
	pack, userID, err := ParseInvoicePayload(InvoicePayload("small", 42))
	require.NoError(t, err)
	assert.Equal(t, "small", pack)
	assert.Equal(t, int64(42), userID)

	for _, bad := range []string{"", "stars", "stars::1", "coins:small:1", "stars:small:abc"} {
		_, _, err := ParseInvoicePayload(bad)
		assert.Error(t, err, bad)
	}
}

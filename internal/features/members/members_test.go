package members

import (
	"context"
	"errors"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/starsbot/internal/common"
)

type reward struct {
	referrerID, newUserID int64
	locale                string
}

type fakeRewarder struct {
	mu      sync.Mutex
	rewards []reward
	err     error
}

func (f *fakeRewarder) RewardReferral(ctx context.Context, referrerID, newUserID int64, locale string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewards = append(f.rewards, reward{referrerID, newUserID, locale})
	return f.err
}

func TestParseReferral(t *testing.T) {
	assert.Equal(t, int64(123), ParseReferral("ref_123"))
	assert.Equal(t, int64(0), ParseReferral("ref_"))
	assert.Equal(t, int64(0), ParseReferral("ref_-5"))
	assert.Equal(t, int64(0), ParseReferral("promo"))
	assert.Equal(t, "https://t.me/stars_bot?start=ref_42", ReferralLink("stars_bot", 42))
}

func TestRegisterWithReferrer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rewarder := &fakeRewarder{}
	svc := NewService(store, rewarder)

	created, err := svc.Register(ctx, Profile{UserID: 1, FirstName: "Аня", Locale: "en"}, 0)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.Register(ctx, Profile{UserID: 2, FirstName: "Боря", Locale: "ru"}, 1)
	require.NoError(t, err)
	assert.True(t, created)

	m, err := svc.GetByUserID(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, m.ReferrerID)
	assert.Equal(t, int64(1), *m.ReferrerID)

	require.Len(t, rewarder.rewards, 1)
	assert.Equal(t, reward{referrerID: 1, newUserID: 2, locale: "en"}, rewarder.rewards[0])

	// реферер фиксируется только при первом контакте
	created, err = svc.Register(ctx, Profile{UserID: 2, FirstName: "Борис", Locale: "ru"}, 3)
	require.NoError(t, err)
	assert.False(t, created)
	m, err = svc.GetByUserID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), *m.ReferrerID)
	assert.Equal(t, "Борис", m.FirstName)
	assert.Len(t, rewarder.rewards, 1)

	n, err := svc.CountReferrals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRegisterIgnoresUnknownAndSelfReferrer(t *testing.T) {
	ctx := context.Background()
	rewarder := &fakeRewarder{}
	svc := NewService(NewMemoryStore(), rewarder)

	_, err := svc.Register(ctx, Profile{UserID: 5}, 999)
	require.NoError(t, err)
	_, err = svc.Register(ctx, Profile{UserID: 6}, 6)
	require.NoError(t, err)

	m, err := svc.GetByUserID(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, m.ReferrerID)
	assert.Empty(t, rewarder.rewards)
}

func (f *fakeRewarder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRewarder) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rewards)
}

func TestReferralBonusRetriedAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rewarder := &fakeRewarder{}
	svc := NewService(store, rewarder)

	_, err := svc.Register(ctx, Profile{UserID: 1, Locale: "en"}, 0)
	require.NoError(t, err)

	rewarder.setErr(common.NewStorageError("append", 1, "referral-main-2", 50, errors.New("db down")))
	created, err := svc.Register(ctx, Profile{UserID: 2}, 1)
	require.NoError(t, err, "сбой бонуса не ломает регистрацию")
	assert.True(t, created)
	assert.Equal(t, 1, rewarder.attempts())

	m, err := store.GetByUserID(ctx, 2)
	require.NoError(t, err)
	assert.False(t, m.ReferralPaid)

	// хранилище ожило: следующее сообщение дозачисляет бонус
	rewarder.setErr(nil)
	require.NoError(t, svc.EnsureMember(ctx, Profile{UserID: 2}))
	assert.Equal(t, 2, rewarder.attempts())
	assert.Equal(t, reward{referrerID: 1, newUserID: 2, locale: "en"}, rewarder.rewards[1])

	m, err = store.GetByUserID(ctx, 2)
	require.NoError(t, err)
	assert.True(t, m.ReferralPaid)

	// после зачисления больше не пытаемся
	require.NoError(t, svc.EnsureMember(ctx, Profile{UserID: 2}))
	_, err = svc.Register(ctx, Profile{UserID: 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rewarder.attempts())
}

func TestReferralBonusRetriedOnRepeatedStart(t *testing.T) {
	ctx := context.Background()
	rewarder := &fakeRewarder{}
	svc := NewService(NewMemoryStore(), rewarder)

	_, err := svc.Register(ctx, Profile{UserID: 1}, 0)
	require.NoError(t, err)
	rewarder.setErr(common.NewStorageError("append", 1, "referral-main-2", 50, errors.New("timeout")))
	_, err = svc.Register(ctx, Profile{UserID: 2}, 1)
	require.NoError(t, err)

	rewarder.setErr(nil)
	created, err := svc.Register(ctx, Profile{UserID: 2}, 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, rewarder.attempts())
}

func TestReferralBonusRejectionNotRetried(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rewarder := &fakeRewarder{}
	svc := NewService(store, rewarder)

	_, err := svc.Register(ctx, Profile{UserID: 1}, 0)
	require.NoError(t, err)
	rewarder.setErr(common.ErrOperationConflict)
	_, err = svc.Register(ctx, Profile{UserID: 2}, 1)
	require.NoError(t, err)

	require.NoError(t, svc.EnsureMember(ctx, Profile{UserID: 2}))
	assert.Equal(t, 1, rewarder.attempts())
	m, err := store.GetByUserID(ctx, 2)
	require.NoError(t, err)
	assert.True(t, m.ReferralPaid)
}

func TestEnsureMemberUpdatesLocale(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), nil)

	require.NoError(t, svc.EnsureMember(ctx, Profile{UserID: 1, Locale: "ru"}))
	assert.Equal(t, "ru", svc.Locale(ctx, 1))
	require.NoError(t, svc.EnsureMember(ctx, Profile{UserID: 1, Locale: "de"}))
	assert.Equal(t, "de", svc.Locale(ctx, 1))
	assert.Equal(t, "", svc.Locale(ctx, 404))
}

type fakeSender struct{ texts []string }

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.texts = append(f.texts, c.(tgbotapi.MessageConfig).Text)
	return tgbotapi.Message{}, nil
}

func TestHandleStart(t *testing.T) {
	ctx := context.Background()
	rewarder := &fakeRewarder{}
	svc := NewService(NewMemoryStore(), rewarder)
	sender := &fakeSender{}
	h := NewHandler(svc, sender, "stars_bot")

	h.HandleStart(ctx, 1, &tgbotapi.User{ID: 1, FirstName: "Аня", LanguageCode: "ru"}, nil)
	require.Len(t, sender.texts, 1)
	assert.Contains(t, sender.texts[0], "👋 Привет, Аня!")
	assert.Contains(t, sender.texts[0], "https://t.me/stars_bot?start=ref_1")

	h.HandleStart(ctx, 2, &tgbotapi.User{ID: 2, FirstName: "Bob", LanguageCode: "en"}, []string{"ref_1"})
	assert.Contains(t, sender.texts[1], "👋 Hi, Bob!")
	require.Len(t, rewarder.rewards, 1)

	h.HandleStart(ctx, 2, &tgbotapi.User{ID: 2, FirstName: "Bob", LanguageCode: "en"}, nil)
	assert.NotContains(t, sender.texts[2], "Hi, Bob")
	assert.Contains(t, sender.texts[2], "/balance")
	assert.NotContains(t, sender.texts[2], "Invited:")

	h.HandleStart(ctx, 1, &tgbotapi.User{ID: 1, FirstName: "Аня", LanguageCode: "ru"}, nil)
	assert.Contains(t, sender.texts[3], "Приглашено: 1")
}

func TestRepositoryCreate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewRepository(mock)

	ref := int64(1)
	mock.ExpectExec(`INSERT INTO members`).
		WithArgs(int64(2), "bob", "Bob", "", "en", &ref).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO members`).
		WithArgs(int64(2), "bob", "Bob", "", "en", &ref).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	m := &Member{UserID: 2, Username: "bob", FirstName: "Bob", Locale: "en", ReferrerID: &ref}
	created, err := repo.Create(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.Create(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetByUserIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewRepository(mock)

	mock.ExpectQuery(`FROM members`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.GetByUserID(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryMarkReferralPaid(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewRepository(mock)

	mock.ExpectExec(`UPDATE members SET referral_paid = TRUE`).
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE members SET referral_paid = TRUE`).
		WithArgs(int64(3)).
		WillReturnError(errors.New("connection reset"))

	require.NoError(t, repo.MarkReferralPaid(context.Background(), 2))
	assert.Error(t, repo.MarkReferralPaid(context.Background(), 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/referral-system/internal/model"
)

func TestMemoryRepository_Users(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	referrer := "AAAA2345"
	id, err := repo.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"), "BBBB2345", &referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	byEmail, err := repo.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, byEmail.ID)
	require.NotNil(t, byEmail.ReferrerCode)
	assert.Equal(t, referrer, *byEmail.ReferrerCode)

	byCode, err := repo.GetUserByReferralCode(ctx, "BBBB2345")
	require.NoError(t, err)
	assert.Equal(t, id, byCode.ID)

	byID, err := repo.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Name)

	_, err = repo.GetUserByReferralCode(ctx, "MISSING1")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = repo.CreateUser(ctx, "bob", "alice@example.com", []byte("hash"), "CCCC2345", nil)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestMemoryRepository_UserCopyIsolation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"), "BBBB2345", nil)
	require.NoError(t, err)

	u, err := repo.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)

	u.Name = "mutated"

	again, err := repo.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Name)
}

func TestMemoryRepository_StatsAggregation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	ownerID, err := repo.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"), "BBBB2345", nil)
	require.NoError(t, err)

	require.NoError(t, repo.AddClick(ctx, "BBBB2345", "10.0.0.1:1"))
	require.NoError(t, repo.AddClick(ctx, "BBBB2345", "10.0.0.2:2"))
	require.NoError(t, repo.AddClick(ctx, "OTHER234", "10.0.0.3:3"))

	orderID, err := repo.CreateOrder(ctx, 10000, "BBBB2345", nil)
	require.NoError(t, err)
	_, err = repo.CreateOrder(ctx, 5000, "BBBB2345", nil)
	require.NoError(t, err)
	_, err = repo.CreateOrder(ctx, 777, "OTHER234", nil)
	require.NoError(t, err)

	require.NoError(t, repo.CreateCommissions(ctx, []model.Commission{
		{OrderID: orderID, UserID: ownerID, Level: 1, RateBps: 1000, AmountCents: 1000},
		{OrderID: orderID, UserID: 99, Level: 2, RateBps: 500, AmountCents: 500},
	}))

	stats, err := repo.GetStatsByCode(ctx, "BBBB2345", ownerID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Clicks)
	assert.Equal(t, int64(2), stats.Orders)
	assert.Equal(t, int64(15000), stats.RevenueCents)
	assert.Equal(t, int64(1000), stats.CommissionCents)
}

func TestMemoryRepository_NotificationQueue(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	ownerID, err := repo.CreateUser(ctx, "alice", "alice@example.com", []byte("hash"), "BBBB2345", nil)
	require.NoError(t, err)

	orderID, err := repo.CreateOrder(ctx, 10000, "BBBB2345", nil)
	require.NoError(t, err)

	require.NoError(t, repo.CreateCommissions(ctx, []model.Commission{
		{OrderID: orderID, UserID: ownerID, Level: 1, RateBps: 1000, AmountCents: 1000},
		{OrderID: orderID, UserID: ownerID, Level: 2, RateBps: 500, AmountCents: 500},
	}))

	pending, err := repo.GetUnnotifiedCommissions(ctx, 100)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, repo.MarkCommissionsNotified(ctx, []int64{pending[0].ID}))

	pending, err = repo.GetUnnotifiedCommissions(ctx, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Level)

	history, err := repo.GetCommissionsByUser(ctx, ownerID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestMemoryRepository_UnnotifiedLimit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var commissions []model.Commission
	for i := 0; i < 5; i++ {
		commissions = append(commissions, model.Commission{OrderID: 1, UserID: 1, Level: 1, RateBps: 1000, AmountCents: 100})
	}
	require.NoError(t, repo.CreateCommissions(ctx, commissions))

	pending, err := repo.GetUnnotifiedCommissions(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

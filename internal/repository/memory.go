package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/referral-system/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в режиме без
// БД и в тестах. Пользователи индексируются по email и реферальному коду,
// чтобы разрешение кода оставалось O(1), а не линейным сканом.
type MemoryRepository struct {
	mu sync.Mutex

	nextUserID       int64
	nextOrderID      int64
	nextCommissionID int64

	usersByID    map[int64]*model.User
	usersByEmail map[string]*model.User
	usersByCode  map[string]*model.User

	clicks      []model.Click
	orders      []model.Order
	commissions []model.Commission
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextUserID:       1,
		nextOrderID:      1,
		nextCommissionID: 1,
		usersByID:        make(map[int64]*model.User),
		usersByEmail:     make(map[string]*model.User),
		usersByCode:      make(map[string]*model.User),
	}
}

// Close освобождает ресурсы хранилища. Для памяти это no-op.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateUser создаёт нового пользователя с выданным реферальным кодом.
func (r *MemoryRepository) CreateUser(ctx context.Context, name, email string, passwordHash []byte, referralCode string, referrerCode *string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.usersByEmail[email]; ok {
		return 0, fmt.Errorf("%w: %s", ErrEmailTaken, email)
	}
	if _, ok := r.usersByCode[referralCode]; ok {
		return 0, fmt.Errorf("referral code collision: %s", referralCode)
	}

	u := &model.User{
		ID:           r.nextUserID,
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		ReferralCode: referralCode,
		ReferrerCode: referrerCode,
		CreatedAt:    time.Now(),
	}
	r.nextUserID++

	r.usersByID[u.ID] = u
	r.usersByEmail[u.Email] = u
	r.usersByCode[u.ReferralCode] = u

	return u.ID, nil
}

func copyUser(u *model.User) *model.User {
	cp := *u
	return &cp
}

// GetUserByEmail возвращает пользователя по email.
func (r *MemoryRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.usersByEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *MemoryRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

// GetUserByReferralCode возвращает владельца указанного реферального кода.
func (r *MemoryRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.usersByCode[code]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

// AddClick записывает переход по реферальной ссылке.
func (r *MemoryRepository) AddClick(ctx context.Context, code, remoteAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clicks = append(r.clicks, model.Click{
		Code:       code,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
	})
	return nil
}

// CreateOrder сохраняет заказ, привязанный к реферальному коду.
func (r *MemoryRepository) CreateOrder(ctx context.Context, amountCents int64, code string, buyerEmail *string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := model.Order{
		ID:          r.nextOrderID,
		AmountCents: amountCents,
		Code:        code,
		BuyerEmail:  buyerEmail,
		CreatedAt:   time.Now(),
	}
	r.nextOrderID++

	r.orders = append(r.orders, o)
	return o.ID, nil
}

// CreateCommissions сохраняет пакет начислений по одному заказу.
func (r *MemoryRepository) CreateCommissions(ctx context.Context, commissions []model.Commission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range commissions {
		c.ID = r.nextCommissionID
		r.nextCommissionID++
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		r.commissions = append(r.commissions, c)
	}
	return nil
}

// GetStatsByCode возвращает агрегированную статистику по коду.
func (r *MemoryRepository) GetStatsByCode(ctx context.Context, code string, userID int64) (*model.CodeStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats model.CodeStats

	for _, c := range r.clicks {
		if c.Code == code {
			stats.Clicks++
		}
	}

	for _, o := range r.orders {
		if o.Code == code {
			stats.Orders++
			stats.RevenueCents += o.AmountCents
		}
	}

	for _, c := range r.commissions {
		if c.UserID == userID {
			stats.CommissionCents += c.AmountCents
		}
	}

	return &stats, nil
}

// GetCommissionsByUser возвращает историю начислений пользователя,
// новые записи первыми.
func (r *MemoryRepository) GetCommissionsByUser(ctx context.Context, userID int64) ([]model.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Commission
	for i := len(r.commissions) - 1; i >= 0; i-- {
		if r.commissions[i].UserID == userID {
			res = append(res, r.commissions[i])
		}
	}
	return res, nil
}

// GetUnnotifiedCommissions возвращает начисления без отметки о доставке.
func (r *MemoryRepository) GetUnnotifiedCommissions(ctx context.Context, limit int) ([]model.Commission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Commission
	for _, c := range r.commissions {
		if c.NotifiedAt == nil {
			res = append(res, c)
			if len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

// MarkCommissionsNotified помечает начисления как доставленные в вебхук.
func (r *MemoryRepository) MarkCommissionsNotified(ctx context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	for i := range r.commissions {
		if idSet[r.commissions[i].ID] && r.commissions[i].NotifiedAt == nil {
			t := now
			r.commissions[i].NotifiedAt = &t
		}
	}
	return nil
}

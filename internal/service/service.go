// Package service реализует бизнес-логику реферальной системы.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/referral-system/internal/model"
	"github.com/mmeshcher/referral-system/internal/notifier"
	"github.com/mmeshcher/referral-system/internal/refcode"
	"github.com/mmeshcher/referral-system/internal/repository"
)

// commissionScheduleBps — процентная сетка вознаграждений в базисных пунктах,
// ближайший уровень первым: 10% владельцу кода, 5% и 2% его аплайну.
// Длина сетки одновременно ограничивает глубину обхода аплайна.
var commissionScheduleBps = []int64{1000, 500, 200}

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, name, email string, passwordHash []byte, referralCode string, referrerCode *string) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	AddClick(ctx context.Context, code, remoteAddr string) error
	CreateOrder(ctx context.Context, amountCents int64, code string, buyerEmail *string) (int64, error)
	CreateCommissions(ctx context.Context, commissions []model.Commission) error
	GetStatsByCode(ctx context.Context, code string, userID int64) (*model.CodeStats, error)
	GetCommissionsByUser(ctx context.Context, userID int64) ([]model.Commission, error)
	GetUnnotifiedCommissions(ctx context.Context, limit int) ([]model.Commission, error)
	MarkCommissionsNotified(ctx context.Context, ids []int64) error
}

// PayoutNotifier описывает доставку уведомлений о начислениях во внешнюю систему.
type PayoutNotifier interface {
	SendPayout(ctx context.Context, event notifier.PayoutEvent) error
}

// Service содержит бизнес-логику реферальной системы.
type Service struct {
	repo     Repository
	notifier PayoutNotifier
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом вебхука.
func NewService(repo Repository, payoutNotifier PayoutNotifier) *Service {
	return &Service{
		repo:     repo,
		notifier: payoutNotifier,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя и выдаёт ему реферальный код.
// Код пригласившего записывается без проверки существования: висячий код
// означает отсутствие аплайна при начислениях.
func (s *Service) RegisterUser(ctx context.Context, name, email, password string, referrerCode *string) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	code, err := refcode.Generate()
	if err != nil {
		return nil, err
	}

	id, err := s.repo.CreateUser(ctx, name, email, hash, code, referrerCode)
	if err != nil {
		return nil, err
	}

	return &model.User{
		ID:           id,
		Name:         name,
		Email:        email,
		ReferralCode: code,
		ReferrerCode: referrerCode,
	}, nil
}

// AuthenticateUser проверяет email и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// RegisterClick записывает переход по реферальной ссылке.
func (s *Service) RegisterClick(ctx context.Context, code, remoteAddr string) error {
	return s.repo.AddClick(ctx, code, remoteAddr)
}

// OrderResult описывает созданный заказ и распределённые по нему выплаты.
type OrderResult struct {
	OrderID     int64
	AmountCents int64
	Code        string
	Payouts     []model.Payout
}

// CreateOrder создаёт заказ, привязанный к реферальному коду, и начисляет
// вознаграждения владельцу кода и его аплайну.
func (s *Service) CreateOrder(ctx context.Context, amount float64, code string, buyerEmail *string) (*OrderResult, error) {
	owner, err := s.repo.GetUserByReferralCode(ctx, code)
	if err != nil {
		return nil, err
	}

	amountCents := int64(math.Round(amount * 100))

	orderID, err := s.repo.CreateOrder(ctx, amountCents, code, buyerEmail)
	if err != nil {
		return nil, err
	}

	payouts, err := s.AllocateCommissions(ctx, owner, orderID, amountCents)
	if err != nil {
		return nil, err
	}

	return &OrderResult{
		OrderID:     orderID,
		AmountCents: amountCents,
		Code:        code,
		Payouts:     payouts,
	}, nil
}

// AllocateCommissions распределяет вознаграждение за заказ: уровень 1 —
// владелец кода, далее обход аплайна по цепочке кодов пригласивших.
// Обход ограничен длиной процентной сетки и множеством уже встреченных
// пользователей, поэтому цикл в цепочке не приводит к повторной выплате.
// Обрыв цепочки (код не разрешается в пользователя) — штатное завершение.
// Нулевые начисления не записываются. Выплаты возвращаются по возрастанию
// уровня, записи в журнале начислений создаются до возврата.
func (s *Service) AllocateCommissions(ctx context.Context, owner *model.User, orderID, amountCents int64) ([]model.Payout, error) {
	recipients := []*model.User{owner}
	visited := map[int64]bool{owner.ID: true}

	next := owner.ReferrerCode
	for next != nil && *next != "" && len(recipients) < len(commissionScheduleBps) {
		u, err := s.repo.GetUserByReferralCode(ctx, *next)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				break
			}
			return nil, err
		}

		if visited[u.ID] {
			break
		}
		visited[u.ID] = true

		recipients = append(recipients, u)
		next = u.ReferrerCode
	}

	var payouts []model.Payout
	var commissions []model.Commission

	for i, u := range recipients {
		rate := commissionScheduleBps[i]
		amount := amountCents * rate / 10000
		if amount <= 0 {
			continue
		}

		payouts = append(payouts, model.Payout{
			UserID:      u.ID,
			Level:       i + 1,
			AmountCents: amount,
		})
		commissions = append(commissions, model.Commission{
			OrderID:     orderID,
			UserID:      u.ID,
			Level:       i + 1,
			RateBps:     rate,
			AmountCents: amount,
		})
	}

	if err := s.repo.CreateCommissions(ctx, commissions); err != nil {
		return nil, err
	}

	return payouts, nil
}

// GetStatsByCode возвращает агрегированную статистику по реферальному коду.
func (s *Service) GetStatsByCode(ctx context.Context, code string) (*model.CodeStats, error) {
	owner, err := s.repo.GetUserByReferralCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.repo.GetStatsByCode(ctx, code, owner.ID)
}

// UserStats содержит статистику пользователя по его собственному коду.
type UserStats struct {
	ReferralCode string
	Stats        model.CodeStats
	Commissions  []model.Commission
}

// GetUserStats возвращает статистику текущего пользователя и историю его начислений.
func (s *Service) GetUserStats(ctx context.Context, userID int64) (*UserStats, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats, err := s.repo.GetStatsByCode(ctx, u.ReferralCode, u.ID)
	if err != nil {
		return nil, err
	}

	commissions, err := s.repo.GetCommissionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &UserStats{
		ReferralCode: u.ReferralCode,
		Stats:        *stats,
		Commissions:  commissions,
	}, nil
}

// StartPayoutNotifications запускает фоновый процесс доставки уведомлений
// о начислениях во внешнюю систему выплат.
func (s *Service) StartPayoutNotifications(ctx context.Context) {
	if s.notifier == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processNotificationBatch(ctx)
			}
		}
	}()
}

func (s *Service) processNotificationBatch(ctx context.Context) {
	commissions, err := s.repo.GetUnnotifiedCommissions(ctx, 100)
	if err != nil {
		return
	}

	var delivered []int64
	for _, c := range commissions {
		event := notifier.PayoutEvent{
			OrderID: c.OrderID,
			UserID:  c.UserID,
			Level:   c.Level,
			Amount:  float64(c.AmountCents) / 100,
		}
		if err := s.notifier.SendPayout(ctx, event); err != nil {
			// Недоставленные начисления останутся в очереди до следующего тика.
			continue
		}
		delivered = append(delivered, c.ID)
	}

	if len(delivered) > 0 {
		_ = s.repo.MarkCommissionsNotified(ctx, delivered)
	}
}

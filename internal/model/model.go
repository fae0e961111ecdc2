// Package model содержит доменные сущности реферальной системы.
package model

import "time"

// User представляет зарегистрированного участника реферальной программы.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash []byte
	ReferralCode string
	// ReferrerCode — код пригласившего пользователя. Не проверяется на
	// существование при регистрации: «висячий» код означает отсутствие аплайна.
	ReferrerCode *string
	CreatedAt    time.Time
}

// Click описывает один переход по реферальной ссылке.
type Click struct {
	Code       string
	RemoteAddr string
	CreatedAt  time.Time
}

// Order описывает заказ, привязанный к реферальному коду.
type Order struct {
	ID          int64
	AmountCents int64
	Code        string
	BuyerEmail  *string
	CreatedAt   time.Time
}

// Commission описывает начисленное вознаграждение по одному заказу.
// Уровень 1 — владелец кода, уровни 2+ — его аплайн.
type Commission struct {
	ID          int64
	OrderID     int64
	UserID      int64
	Level       int
	RateBps     int64
	AmountCents int64
	CreatedAt   time.Time
	NotifiedAt  *time.Time
}

// Payout — одна строка выплаты в ответе на создание заказа.
type Payout struct {
	UserID      int64
	Level       int
	AmountCents int64
}

// CodeStats содержит агрегированную статистику по реферальному коду.
type CodeStats struct {
	Clicks          int64
	Orders          int64
	RevenueCents    int64
	CommissionCents int64
}

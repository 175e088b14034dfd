// Package model содержит доменные сущности маркетплейса доставки FLUX.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleCompany Role = "company"
	RoleDriver  Role = "driver"
	RoleAdmin   Role = "admin"
)

// User представляет зарегистрированного пользователя: компанию, курьера или администратора.
type User struct {
	ID                uuid.UUID
	Login             string
	PasswordHash      []byte
	Role              Role
	State             string
	City              string
	SubscriptionUntil *time.Time
	CreatedAt         time.Time
}

// HasActiveSubscription сообщает, действует ли подписка пользователя на момент now.
func (u *User) HasActiveSubscription(now time.Time) bool {
	return u.SubscriptionUntil != nil && u.SubscriptionUntil.After(now)
}

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusDriverCompleted OrderStatus = "driver_completed"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// transitions — единственный источник истины о допустимых переходах статуса
// и о роли, которой переход разрешён. Сравнение статусов вне этой таблицы запрещено.
var transitions = map[OrderStatus]map[OrderStatus]Role{
	OrderStatusPending: {
		OrderStatusAccepted:  RoleDriver,
		OrderStatusCancelled: RoleCompany,
	},
	OrderStatusAccepted: {
		OrderStatusDriverCompleted: RoleDriver,
	},
	OrderStatusDriverCompleted: {
		OrderStatusCompleted: RoleCompany,
	},
}

// CanTransition сообщает, допустим ли переход из статуса s в статус next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	_, ok := transitions[s][next]
	return ok
}

// TransitionActor возвращает роль, которой разрешён переход из s в next.
func (s OrderStatus) TransitionActor(next OrderStatus) (Role, bool) {
	role, ok := transitions[s][next]
	return role, ok
}

// Order описывает заказ компании на одну или несколько доставок.
type Order struct {
	ID         uuid.UUID
	CompanyID  uuid.UUID
	DriverID   *uuid.UUID
	Status     OrderStatus
	TotalCents int64
	State      string
	City       string
	CreatedAt  time.Time
	Deliveries []Delivery
}

// HasAssignedDriver сообщает, закреплён ли за заказом курьер.
// Инвариант: курьер закреплён тогда и только тогда, когда статус
// accepted, driver_completed или completed.
func (o *Order) HasAssignedDriver() bool {
	return o.DriverID != nil
}

// PendingValidations возвращает число доставок заказа, код которых ещё не подтверждён.
func (o *Order) PendingValidations() int {
	n := 0
	for _, d := range o.Deliveries {
		if d.ValidatedAt == nil {
			n++
		}
	}
	return n
}

// PackageType описывает тип отправления.
type PackageType string

const (
	PackageTypeEnvelope PackageType = "envelope"
	PackageTypeBag      PackageType = "bag"
	PackageTypeSmallBox PackageType = "small_box"
	PackageTypeLargeBox PackageType = "large_box"
	PackageTypeOther    PackageType = "other"
)

// IsValidPackageType проверяет, что значение принадлежит закрытому перечню типов отправлений.
func IsValidPackageType(p PackageType) bool {
	switch p {
	case PackageTypeEnvelope, PackageTypeBag, PackageTypeSmallBox, PackageTypeLargeBox, PackageTypeOther:
		return true
	}
	return false
}

// Delivery описывает одну доставку внутри заказа.
// Плейнтекст кода и его хеш живут на границе хранилища и наружу
// отдаются только через явные операции репозитория.
type Delivery struct {
	ID                 uuid.UUID
	OrderID            uuid.UUID
	PickupAddress      string
	DropoffAddress     string
	PackageType        PackageType
	PriceCents         int64
	CustomerName       string
	CustomerPhone      string
	CodeSentAt         *time.Time
	ValidatedAt        *time.Time
	ValidationAttempts int
}

// TotalCents возвращает сумму цен доставок в сентаво.
// Считается один раз при создании заказа и после не пересчитывается.
func TotalCents(deliveries []Delivery) int64 {
	var total int64
	for _, d := range deliveries {
		total += d.PriceCents
	}
	return total
}

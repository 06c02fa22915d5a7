// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a spot trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Direction is the price direction a binary option bets on.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

func (d Direction) Valid() bool { return d == DirectionUp || d == DirectionDown }

// OptionStatus is the lifecycle state of a binary option. ACTIVE is the only
// non-terminal state.
type OptionStatus string

const (
	StatusActive  OptionStatus = "ACTIVE"
	StatusWon     OptionStatus = "WON"
	StatusLost    OptionStatus = "LOST"
	StatusExpired OptionStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s OptionStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusExpired
}

// ExchangePublic tags spot trades priced by the public feed.
const ExchangePublic = "PUBLIC_API"

// User is an account holding a simulated balance.
type User struct {
	ID        string          `json:"id" db:"id"`
	Email     string          `json:"email" db:"email"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's aggregate holding in one symbol. It is a derived
// cache of the spot trade log and persists at zero quantity.
type Position struct {
	UserID          string          `json:"user_id" db:"user_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price" db:"average_buy_price"`
	UpdatedAt       time.Time       `json:"last_updated" db:"updated_at"`
}

// SpotTrade is an immutable record of a spot execution.
// Once created, these are never modified or deleted.
type SpotTrade struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        Side            `json:"trade_type" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	Exchange    string          `json:"exchange" db:"exchange"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// BinaryOption is a fixed-payout contract on the price direction of a
// symbol over a fixed horizon.
type BinaryOption struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Symbol           string           `json:"symbol" db:"symbol"`
	Direction        Direction        `json:"direction" db:"direction"`
	Amount           decimal.Decimal  `json:"amount" db:"amount"`
	ProfitPercentage decimal.Decimal  `json:"profit_percentage" db:"profit_percentage"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	ExpirySeconds    int              `json:"expiry_seconds" db:"expiry_seconds"`
	ExpiryTime       time.Time        `json:"expiry_time" db:"expiry_time"`
	ExitPrice        *decimal.Decimal `json:"exit_price" db:"exit_price"`
	Status           OptionStatus     `json:"status" db:"status"`
	PayoutAmount     *decimal.Decimal `json:"payout_amount" db:"payout_amount"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// OptionFilter narrows option listings. Zero fields match everything.
type OptionFilter struct {
	UserID        string
	ID            string
	Status        OptionStatus
	ExpiresBefore *time.Time // expiry_time <= value
	ExpiresAfter  *time.Time // expiry_time > value
	CreatedAfter  *time.Time // created_at >= value
	Terminal      bool       // status in WON, LOST, EXPIRED
}

// APIKey holds third-party exchange credentials for one user and exchange.
type APIKey struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Exchange  string    `json:"exchange" db:"exchange"`
	Key       string    `json:"api_key" db:"api_key"`
	Secret    string    `json:"-" db:"api_secret"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PricePoint is one candle of a price history series.
type PricePoint struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Holding is one asset balance reported by an exchange account.
type Holding struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total is free plus locked.
func (h Holding) Total() decimal.Decimal { return h.Free.Add(h.Locked) }

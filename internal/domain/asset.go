package domain

import (
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

// Asset is a held balance of one coin. Only the Trader mutates it.
type Asset struct {
	coin    *Coin
	balance decimal.Decimal
}

func NewAsset(coin *Coin, balance decimal.Decimal) (*Asset, error) {
	if coin == nil {
		return nil, &core.InvalidAssetError{Field: "coin", Reason: "coin not defined"}
	}
	if balance.Cmp(decimal.Zero) < 0 {
		return nil, &core.InvalidAssetError{Field: "balance", Reason: "balance is negative: " + balance.String()}
	}
	return &Asset{coin: coin, balance: balance}, nil
}

// ParseAsset builds an asset from an exchange or file balance string.
func ParseAsset(coin *Coin, raw string) (*Asset, error) {
	if coin == nil {
		return nil, &core.InvalidAssetError{Field: "coin", Reason: "coin not defined"}
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, &core.InvalidAssetError{Field: "balance", Reason: "balance not a number: " + raw}
	}
	return NewAsset(coin, balance)
}

// NewAssetFromFloat accepts balances decoded as floats.
func NewAssetFromFloat(coin *Coin, balance float64) (*Asset, error) {
	if coin == nil {
		return nil, &core.InvalidAssetError{Field: "coin", Reason: "coin not defined"}
	}
	if math.IsNaN(balance) || math.IsInf(balance, 0) {
		return nil, &core.InvalidAssetError{Field: "balance", Reason: "balance not a number: " + strconv.FormatFloat(balance, 'g', -1, 64)}
	}
	return NewAsset(coin, decimal.NewFromFloat(balance))
}

func (a *Asset) Coin() *Coin { return a.coin }

func (a *Asset) Code() string { return a.coin.Code }

func (a *Asset) Balance() decimal.Decimal { return a.balance }

func (a *Asset) IsBridge() bool { return a.coin.IsBridge() }

// PairWith reports whether the asset can be converted into coin without the bridge.
func (a *Asset) PairWith(coin *Coin) bool {
	return a.coin.IsBridge() || a.coin.HasPair(coin)
}

// Value is the balance in bridge units at the latest valuation.
func (a *Asset) Value() decimal.Decimal {
	return a.balance.Mul(a.coin.Valuation())
}

func (a *Asset) add(delta decimal.Decimal) {
	a.balance = a.balance.Add(delta)
}

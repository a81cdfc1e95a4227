package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/config"
	"bridge-rotation/internal/core"
	"bridge-rotation/internal/domain"
	"bridge-rotation/internal/exchange"
	"bridge-rotation/internal/store"
)

// TraderSettings maps the trading section of the config onto the trader.
func TraderSettings(cfg config.TradingConfig) domain.TraderConfig {
	out := domain.TraderConfig{
		Fee:                cfg.Fee.Decimal,
		ConcentrationLimit: cfg.ConcentrationLimit.Decimal,
		TradableFraction:   cfg.TradableFraction.Decimal,
		ExclusionRefresh:   domain.ExclusionPolicy(cfg.ExclusionRefresh),
	}
	for _, tier := range cfg.Tiers {
		out.Tiers = append(out.Tiers, domain.Tier{Above: tier.Above.Decimal, Fraction: tier.Fraction.Decimal})
	}
	if len(out.Tiers) == 0 {
		out.Tiers = domain.DefaultTiers()
	}
	return out
}

// Bootstrap assembles the universe and the trader. Persisted state wins over
// the exchange: coin infos, ratios and assets are fetched or derived only when
// the repository has none.
func Bootstrap(ctx context.Context, broker exchange.Broker, repo *store.Repository, cfg config.Config) (*domain.Universe, *domain.Trader, error) {
	if broker == nil || repo == nil {
		return nil, nil, errors.New("bootstrap requires broker and repository")
	}
	codes, err := supportedCoins(repo, cfg)
	if err != nil {
		return nil, nil, err
	}
	bridge := domain.NewBridge(cfg.Bridge)
	alts := make([]*domain.Coin, 0, len(codes))
	for _, code := range codes {
		alts = append(alts, domain.NewAltCoin(code))
	}
	universe, err := domain.NewUniverse(bridge, alts...)
	if err != nil {
		return nil, nil, err
	}

	if err := applyCoinInfos(ctx, broker, repo, universe); err != nil {
		return nil, nil, err
	}
	if err := applyPrices(ctx, broker, universe); err != nil {
		return nil, nil, err
	}

	ratios, ok, err := repo.LoadRatios()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		ratios = domain.InitialRatios(universe)
		if err := repo.SaveRatios(ratios); err != nil {
			return nil, nil, err
		}
		log.WithFields(logrus.Fields{"event": "ratios_initialized", "coins": universe.Len()}).Info("ratios derived from prices")
	}

	assets, err := loadAssets(ctx, broker, repo, universe)
	if err != nil {
		return nil, nil, err
	}
	threshold := domain.NewThreshold(ratios, universe, cfg.Trading.GrowthFactor.Decimal)
	trader, err := domain.NewTrader(bridge, assets, threshold, TraderSettings(cfg.Trading))
	if err != nil {
		return nil, nil, err
	}
	if err := repo.SaveAssets(trader.Assets()); err != nil {
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{
		"event":     "bootstrap_done",
		"bridge":    bridge.Code,
		"coins":     universe.Len(),
		"portfolio": trader.PortfolioValue().String(),
	}).Info("trader ready")
	return universe, trader, nil
}

// supportedCoins takes the configured list, else the stored one, and stores
// whichever it used.
func supportedCoins(repo *store.Repository, cfg config.Config) ([]string, error) {
	codes := cfg.Coins
	if len(codes) == 0 {
		stored, ok, err := repo.LoadSupportedCoins()
		if err != nil {
			return nil, err
		}
		if ok {
			codes = stored
		}
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if code == cfg.Bridge {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("at least two supported coins required, got %d", len(out))
	}
	if err := repo.SaveSupportedCoins(out); err != nil {
		return nil, err
	}
	return out, nil
}

func applyCoinInfos(ctx context.Context, broker exchange.Broker, repo *store.Repository, u *domain.Universe) error {
	infos, ok, err := repo.LoadCoinInfos()
	if err != nil {
		return err
	}
	if !ok {
		infos = make(map[string]store.CoinInfo)
	}
	var missing []string
	for _, code := range u.Codes() {
		if _, ok := infos[code]; !ok {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		if err := fetchCoinInfos(ctx, broker, u, missing, infos); err != nil {
			return err
		}
		if err := repo.SaveCoinInfos(infos); err != nil {
			return err
		}
	}

	for _, code := range u.Codes() {
		coin, _ := u.Get(code)
		info := infos[code]
		coin.SetFilters(info.Filters)
		for _, p := range info.Pairs {
			other, ok1 := u.Get(p.Coin)
			base, ok2 := u.Get(p.Base)
			quote, ok3 := u.Get(p.Quote)
			if !ok1 || !ok2 || !ok3 {
				continue
			}
			if err := domain.Link(coin, other, base, quote); err != nil {
				log.WithFields(logrus.Fields{"event": "pair_skipped", "coin": code, "pair": p.Base + p.Quote}).WithError(err).Warn("pair skipped")
			}
		}
	}
	return nil
}

// fetchCoinInfos reads the bridge market filters of missing coins and
// rebuilds the direct pairs of every coin, since a new coin may pair with an
// old one.
func fetchCoinInfos(ctx context.Context, broker exchange.Broker, u *domain.Universe, missing []string, infos map[string]store.CoinInfo) error {
	bridge := u.Bridge().Code
	markets := make([]string, 0, len(missing))
	for _, code := range missing {
		markets = append(markets, code+bridge)
	}
	symbols, err := broker.ExchangeInfo(ctx, markets...)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	for _, code := range missing {
		sym, ok := symbols[code+bridge]
		if !ok {
			return fmt.Errorf("%w: %s%s", core.ErrNoMarket, code, bridge)
		}
		infos[code] = store.CoinInfo{Filters: filtersFromRules(sym.Rules)}
	}

	all, err := broker.AllPairs(ctx)
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}
	pairs := make(map[string][]domain.PairInfo)
	for _, sym := range all {
		_, baseOK := u.Get(sym.BaseAsset)
		_, quoteOK := u.Get(sym.QuoteAsset)
		if !baseOK || !quoteOK {
			continue
		}
		pairs[sym.BaseAsset] = append(pairs[sym.BaseAsset], domain.PairInfo{Coin: sym.QuoteAsset, Base: sym.BaseAsset, Quote: sym.QuoteAsset})
		pairs[sym.QuoteAsset] = append(pairs[sym.QuoteAsset], domain.PairInfo{Coin: sym.BaseAsset, Base: sym.BaseAsset, Quote: sym.QuoteAsset})
	}
	for code, info := range infos {
		if _, ok := u.Get(code); !ok {
			continue
		}
		info.Pairs = pairs[code]
		sort.Slice(info.Pairs, func(i, j int) bool { return info.Pairs[i].Coin < info.Pairs[j].Coin })
		infos[code] = info
	}
	log.WithFields(logrus.Fields{
		"event":   "coin_infos_fetched",
		"fetched": len(missing),
		"pairs":   len(all),
	}).Info("coin infos fetched")
	return nil
}

func filtersFromRules(r core.Rules) domain.Filters {
	return domain.Filters{
		Price: domain.ValueFilter{
			Min:       r.MinPrice,
			Max:       r.MaxPrice,
			Precision: core.StepToPrecision(r.PriceTick),
		},
		Quantity: domain.ValueFilter{
			Min:       r.MinQty,
			Max:       r.MaxQty,
			Precision: core.StepToPrecision(r.QtyStep),
		},
		MinNotional: r.MinNotional,
	}
}

func applyPrices(ctx context.Context, broker exchange.Broker, u *domain.Universe) error {
	prices, err := broker.Prices(ctx)
	if err != nil {
		return fmt.Errorf("prices: %w", err)
	}
	var updates []domain.CoinUpdate
	for _, code := range u.Codes() {
		price, ok := prices[code+u.Bridge().Code]
		if !ok {
			log.WithFields(logrus.Fields{"event": "price_missing", "coin": code}).Warn("no price for coin")
			continue
		}
		updates = append(updates, domain.CoinUpdate{Code: code, Valuation: price, Trending: decimal.Zero})
	}
	return u.Update(updates)
}

// loadAssets prefers the stored balances. A fresh start reads the account,
// bridge included, so the portfolio value covers what the account holds.
func loadAssets(ctx context.Context, broker exchange.Broker, repo *store.Repository, u *domain.Universe) ([]*domain.Asset, error) {
	records, ok, err := repo.LoadAssets()
	if err != nil {
		return nil, err
	}
	var out []*domain.Asset
	if ok {
		for _, rec := range records {
			coin, known := u.Lookup(rec.Coin)
			if !known {
				log.WithFields(logrus.Fields{"event": "asset_skipped", "coin": rec.Coin}).Warn("stored asset not in universe")
				continue
			}
			a, err := domain.NewAsset(coin, rec.Balance)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}

	balances, err := broker.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	for _, b := range balances {
		coin, known := u.Lookup(b.Asset)
		if !known {
			continue
		}
		a, err := domain.NewAsset(coin, b.Free)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

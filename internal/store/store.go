package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/domain"
)

var log = logrus.WithField("component", "store")

const (
	supportedCoinsFile = "supported_coins.json"
	coinInfosFile      = "coin_infos.json"
	ratiosFile         = "ratios.json"
	assetsFile         = "assets.json"
	runtimeStatusFile  = "runtime_status.json"
)

// CoinInfo is the persisted exchange metadata of one alt coin.
type CoinInfo struct {
	Filters domain.Filters    `json:"filters"`
	Pairs   []domain.PairInfo `json:"pairs"`
}

type AssetRecord struct {
	Coin    string          `json:"coin"`
	Balance decimal.Decimal `json:"balance"`
}

type RuntimeStatus struct {
	Mode            string            `json:"mode"`
	Bridge          string            `json:"bridge"`
	InstanceID      string            `json:"instance_id"`
	PID             int               `json:"pid"`
	State           string            `json:"state"`
	Tickers         bool              `json:"tickers"`
	StartedAt       time.Time         `json:"started_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastError       string            `json:"last_error,omitempty"`
	ActiveOps       int               `json:"active_operations"`
	PendingLegs     int               `json:"pending_legs"`
	PortfolioValue  decimal.Decimal   `json:"portfolio_value"`
	LastTickAt      *time.Time        `json:"last_tick_at,omitempty"`
	CircuitBreakers map[string]string `json:"circuit_breakers,omitempty"`
}

// Repository keeps the trader state as JSON documents under one directory.
type Repository struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Repository, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", root)
	}
	return &Repository{root: root}, nil
}

func (r *Repository) Root() string { return r.root }

func (r *Repository) LoadSupportedCoins() ([]string, bool, error) {
	var coins []string
	ok, err := r.load(supportedCoinsFile, &coins)
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make([]string, 0, len(coins))
	for _, c := range coins {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out, true, nil
}

func (r *Repository) SaveSupportedCoins(coins []string) error {
	if coins == nil {
		coins = make([]string, 0)
	}
	return r.save(supportedCoinsFile, coins)
}

func (r *Repository) LoadCoinInfos() (map[string]CoinInfo, bool, error) {
	infos := make(map[string]CoinInfo)
	ok, err := r.load(coinInfosFile, &infos)
	if err != nil || !ok {
		return nil, ok, err
	}
	return infos, true, nil
}

func (r *Repository) SaveCoinInfos(infos map[string]CoinInfo) error {
	for code, info := range infos {
		if info.Pairs == nil {
			info.Pairs = make([]domain.PairInfo, 0)
			infos[code] = info
		}
	}
	return r.save(coinInfosFile, infos)
}

// LoadRatios reads the matrix stored as code -> code -> decimal string.
func (r *Repository) LoadRatios() (domain.Ratios, bool, error) {
	ratios := make(domain.Ratios)
	ok, err := r.load(ratiosFile, &ratios)
	if err != nil || !ok {
		return nil, ok, err
	}
	return ratios, true, nil
}

func (r *Repository) SaveRatios(ratios domain.Ratios) error {
	if ratios == nil {
		ratios = make(domain.Ratios)
	}
	return r.save(ratiosFile, ratios)
}

func (r *Repository) LoadAssets() ([]AssetRecord, bool, error) {
	var assets []AssetRecord
	ok, err := r.load(assetsFile, &assets)
	if err != nil || !ok {
		return nil, ok, err
	}
	return assets, true, nil
}

func (r *Repository) SaveAssets(assets []domain.AssetSnapshot) error {
	records := make([]AssetRecord, 0, len(assets))
	for _, a := range assets {
		records = append(records, AssetRecord{Coin: a.Coin, Balance: a.Balance})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Coin < records[j].Coin })
	return r.save(assetsFile, records)
}

func (r *Repository) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	return r.save(runtimeStatusFile, status)
}

func (r *Repository) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := r.load(runtimeStatusFile, &status)
	return status, ok, err
}

func (r *Repository) load(name string, v any) (bool, error) {
	path := filepath.Join(r.root, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", path)
	}
	return true, nil
}

func (r *Repository) save(name string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := filepath.Join(r.root, name)
	if err := writeJSONAtomic(path, v); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDirBestEffort(dir, path)
}

func fsyncDirBestEffort(dir, path string) error {
	// Best-effort directory fsync to improve rename durability across crashes.
	d, err := os.Open(dir)
	if err != nil {
		log.WithFields(logrus.Fields{
			"event":  "store_dir_fsync_skipped",
			"dir":    dir,
			"target": path,
		}).WithError(err).Warn("dir fsync skipped")
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.WithFields(logrus.Fields{
			"event":  "store_dir_fsync_failed",
			"dir":    dir,
			"target": path,
		}).WithError(err).Warn("dir fsync failed")
	}
	return nil
}

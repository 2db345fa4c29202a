// Package usage aggregates token counts and computed cost per unit
// into a durable ledger, and enforces a monthly-spend cap per owner
// before dispatch (spec.md §4.9).
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/platform/dbctx"
)

// Record is one owner/job/unit usage append (spec.md §3 "Usage record").
type Record struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerID          string    `gorm:"column:owner_id;index"`
	JobID            string    `gorm:"column:job_id;index"`
	Model            string    `gorm:"column:model"`
	PromptTokens     int       `gorm:"column:prompt_tokens"`
	CompletionTokens int       `gorm:"column:completion_tokens"`
	CostUSD          float64   `gorm:"column:cost_usd"`
	CreatedAt        time.Time `gorm:"column:created_at;index"`
}

func (Record) TableName() string { return "usage_records" }

// Ledger is the append-only usage store and its derived queries
// (spec.md §4.9 "record", "monthly_spend", "within_budget").
type Ledger interface {
	Record(dbc dbctx.Context, owner, job, model string, u lm.Usage) error
	MonthlySpend(dbc dbctx.Context, owner string) (float64, error)
	WithinBudget(dbc dbctx.Context, owner, model string, estUnits int, prices lm.PriceTable, capUSD float64) (bool, error)
}

// GormLedger is the Postgres-backed ledger, append-only with sums
// eventually consistent per-unit (spec.md §4.9 "Guarantees").
type GormLedger struct {
	db *gorm.DB
}

var _ Ledger = (*GormLedger)(nil)

func NewGormLedger(db *gorm.DB) *GormLedger { return &GormLedger{db: db} }

func (l *GormLedger) Record(dbc dbctx.Context, owner, job, model string, u lm.Usage) error {
	tx := l.tx(dbc)
	rec := Record{
		ID:               uuid.New(),
		OwnerID:          owner,
		JobID:            job,
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostUSD:          u.CostUSD,
		CreatedAt:        time.Now(),
	}
	return tx.WithContext(dbc.Ctx).Create(&rec).Error
}

// MonthlySpend sums cost over the current calendar month (spec.md §4.9).
func (l *GormLedger) MonthlySpend(dbc dbctx.Context, owner string) (float64, error) {
	tx := l.tx(dbc)
	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var total float64
	row := tx.WithContext(dbc.Ctx).
		Model(&Record{}).
		Where("owner_id = ? AND created_at >= ?", owner, monthStart).
		Select("COALESCE(SUM(cost_usd), 0)").
		Row()
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("usage: monthly spend: %w", err)
	}
	return total, nil
}

// WithinBudget is a cheap pre-flight check: it estimates the cost of
// estUnits further calls at model's average per-unit price and
// compares spend-so-far + estimate against capUSD (spec.md §4.9,
// §4.8 step 2).
func (l *GormLedger) WithinBudget(dbc dbctx.Context, owner, model string, estUnits int, prices lm.PriceTable, capUSD float64) (bool, error) {
	if capUSD <= 0 {
		return true, nil
	}
	spent, err := l.MonthlySpend(dbc, owner)
	if err != nil {
		return false, err
	}
	estimate := estimateCost(model, estUnits, prices)
	return spent+estimate <= capUSD, nil
}

func (l *GormLedger) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return l.db
}

// estimateCost assumes a representative 500 prompt / 500 completion
// token exchange per unit; this is a pre-flight heuristic, not an
// accounting figure (actual cost always comes from real Usage).
func estimateCost(model string, estUnits int, prices lm.PriceTable) float64 {
	if prices == nil || estUnits <= 0 {
		return 0
	}
	perUnit, _ := prices.Cost(model, 500, 500)
	return perUnit * float64(estUnits)
}

// AutoMigrate creates/updates the usage_records table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

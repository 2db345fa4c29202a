package usage

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/platform/dbctx"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestRecordAndMonthlySpend(t *testing.T) {
	db := openTestDB(t)
	ledger := NewGormLedger(db)
	dbc := dbctx.Context{Ctx: context.Background()}

	if err := ledger.Record(dbc, "owner-1", "job-1", "gpt-4o-mini", lm.Usage{PromptTokens: 100, CompletionTokens: 50, CostUSD: 0.01}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := ledger.Record(dbc, "owner-1", "job-1", "gpt-4o-mini", lm.Usage{PromptTokens: 200, CompletionTokens: 100, CostUSD: 0.02}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := ledger.Record(dbc, "owner-2", "job-2", "gpt-4o", lm.Usage{PromptTokens: 100, CompletionTokens: 50, CostUSD: 0.5}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	spend, err := ledger.MonthlySpend(dbc, "owner-1")
	if err != nil {
		t.Fatalf("MonthlySpend: %v", err)
	}
	if spend < 0.029 || spend > 0.031 {
		t.Fatalf("expected owner-1 spend ~0.03, got %v", spend)
	}

	var rows []Record
	if err := db.Where("owner_id = ?", "owner-1").Find(&rows).Error; err != nil {
		t.Fatalf("find records: %v", err)
	}
	for _, r := range rows {
		if r.Model != "gpt-4o-mini" {
			t.Fatalf("expected model column populated, got %q", r.Model)
		}
	}
}

func TestWithinBudget(t *testing.T) {
	db := openTestDB(t)
	ledger := NewGormLedger(db)
	dbc := dbctx.Context{Ctx: context.Background()}

	_ = ledger.Record(dbc, "owner-1", "job-1", "gpt-4o-mini", lm.Usage{CostUSD: 9.0})

	prices := lm.PriceTable{"gpt-4o-mini": {PromptPerMillion: 0.15, CompletionPerMillion: 0.6}}

	ok, err := ledger.WithinBudget(dbc, "owner-1", "gpt-4o-mini", 10, prices, 10.0)
	if err != nil {
		t.Fatalf("WithinBudget: %v", err)
	}
	if !ok {
		t.Fatalf("expected small estimate to stay within budget")
	}

	ok, err = ledger.WithinBudget(dbc, "owner-1", "gpt-4o-mini", 1_000_000, prices, 10.0)
	if err != nil {
		t.Fatalf("WithinBudget: %v", err)
	}
	if ok {
		t.Fatalf("expected a huge estimate to exceed budget")
	}
}

func TestWithinBudgetCapDisabled(t *testing.T) {
	db := openTestDB(t)
	ledger := NewGormLedger(db)
	dbc := dbctx.Context{Ctx: context.Background()}

	ok, err := ledger.WithinBudget(dbc, "owner-1", "gpt-4o-mini", 1_000_000, nil, 0)
	if err != nil {
		t.Fatalf("WithinBudget: %v", err)
	}
	if !ok {
		t.Fatalf("capUSD <= 0 must disable enforcement")
	}
}

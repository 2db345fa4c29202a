package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction,
// the first argument of the usage ledger and admission checker methods.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

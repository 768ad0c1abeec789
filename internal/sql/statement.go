package sql

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // postgres dialect for goqu
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // sqlite3 dialect for goqu

	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
)

// IDColumn is the primary key column of the card table.
const IDColumn = "id"

// RecomputeStatement builds an UPDATE that stores the value of n into the
// column of target, limited to the given cards when any are passed.
func RecomputeStatement(n formula.Node, target *formula.Property, ctx RenderContext, cards ...int64) (string, error) {
	if target == nil {
		return "", ferrors.NewInvalidInputError("RecomputeStatement", "target property is nil")
	}
	ctx = ctx.WithDefaults()
	if ctx.Table == "" {
		return "", ferrors.NewInvalidInputError("RecomputeStatement", "table name is required")
	}

	fragment, err := Render(n, ctx)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", target.Name, err)
	}

	d := ctx.Dialect
	update := goqu.Dialect(d.StatementDialect()).
		Update(goqu.T(d.Fold(ctx.Table))).
		Set(goqu.Record{d.Fold(target.ColumnName()): goqu.L(fragment)})
	if len(cards) > 0 {
		update = update.Where(goqu.I(d.Fold(IDColumn)).In(cards))
	}

	query, _, err := update.ToSQL()
	if err != nil {
		return "", ferrors.NewInternalError("RecomputeStatement", err)
	}
	return query, nil
}

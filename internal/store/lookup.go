// Package store reads card property values from the card table through
// database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	// Statement dialects used by the store.
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/shopspring/decimal"

	ferrors "github.com/paveg/cardformula/internal/errors"
	"github.com/paveg/cardformula/internal/formula"
)

// Defaults for the card table layout.
const (
	DefaultTable    = "cards"
	DefaultIDColumn = "id"
	DefaultDialect  = "postgres"
)

// Queryer abstracts *sql.DB and *sql.Tx for read operations.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLLookup implements formula.ValueLookup by reading a property column
// of one card row. Property names are resolved to columns through the
// resolver.
type SQLLookup struct {
	db       Queryer
	resolver formula.Resolver
	table    string
	idColumn string
	dialect  goqu.DialectWrapper
	ctx      context.Context
}

// Option configures an SQLLookup
type Option func(*SQLLookup)

// WithTable sets the card table.
func WithTable(table string) Option {
	return func(l *SQLLookup) {
		if table != "" {
			l.table = table
		}
	}
}

// WithIDColumn sets the card identifier column.
func WithIDColumn(column string) Option {
	return func(l *SQLLookup) {
		if column != "" {
			l.idColumn = column
		}
	}
}

// WithDialect sets the goqu dialect used to build queries, such as
// "postgres" or "sqlite3".
func WithDialect(name string) Option {
	return func(l *SQLLookup) {
		if name != "" {
			l.dialect = goqu.Dialect(name)
		}
	}
}

// NewSQLLookup creates a lookup reading from db.
func NewSQLLookup(db Queryer, resolver formula.Resolver, opts ...Option) *SQLLookup {
	l := &SQLLookup{
		db:       db,
		resolver: resolver,
		table:    DefaultTable,
		idColumn: DefaultIDColumn,
		dialect:  goqu.Dialect(DefaultDialect),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithContext returns a copy of l whose queries run under ctx.
func (l *SQLLookup) WithContext(ctx context.Context) *SQLLookup {
	cp := *l
	cp.ctx = ctx
	return &cp
}

// Lookup implements formula.ValueLookup. A NULL column is a null value;
// a missing card row is an error.
func (l *SQLLookup) Lookup(card formula.CardID, property string) (formula.Value, error) {
	prop, ok := l.resolver.Resolve(property)
	if !ok {
		return formula.NullValue(), ferrors.NewUnknownPropertyError("Lookup", property)
	}

	query, args, err := l.dialect.
		From(goqu.T(l.table)).
		Select(goqu.C(prop.ColumnName())).
		Where(goqu.C(l.idColumn).Eq(int64(card))).
		Prepared(true).
		ToSQL()
	if err != nil {
		return formula.NullValue(), fmt.Errorf("building lookup of %s: %w", prop.Name, err)
	}

	var raw any
	if err := l.db.QueryRowContext(l.ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return formula.NullValue(), ferrors.NewInvalidInputError("Lookup",
				fmt.Sprintf("card %d does not exist", card))
		}
		return formula.NullValue(), fmt.Errorf("reading %s of card %d: %w", prop.Name, card, err)
	}
	return Convert(raw, prop)
}

// Load reads the given properties of every card in one query and returns
// them as an in-memory lookup. Cards without a row are absent and read
// as null.
func (l *SQLLookup) Load(ctx context.Context, cards []formula.CardID, props []*formula.Property) (Values, error) {
	values := make(Values, len(cards))
	if len(cards) == 0 || len(props) == 0 {
		return values, nil
	}

	cols := make([]any, 0, len(props)+1)
	cols = append(cols, goqu.C(l.idColumn))
	for _, p := range props {
		cols = append(cols, goqu.C(p.ColumnName()))
	}
	ids := make([]int64, len(cards))
	for i, c := range cards {
		ids[i] = int64(c)
	}

	query, args, err := l.dialect.
		From(goqu.T(l.table)).
		Select(cols...).
		Where(goqu.C(l.idColumn).In(ids)).
		Order(goqu.C(l.idColumn).Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building card load: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading %d cards: %w", len(cards), err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		raw := make([]any, len(props))
		dest := make([]any, 0, len(props)+1)
		dest = append(dest, &id)
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning card row: %w", err)
		}

		card := make(map[string]formula.Value, len(props))
		for i, p := range props {
			v, err := Convert(raw[i], p)
			if err != nil {
				return nil, err
			}
			card[formula.NormalizeName(p.Name)] = v
		}
		values[formula.CardID(id)] = card
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading cards: %w", err)
	}
	return values, nil
}

// Values holds preloaded property values per card, keyed by normalized
// property name.
type Values map[formula.CardID]map[string]formula.Value

// Lookup implements formula.ValueLookup.
func (v Values) Lookup(card formula.CardID, property string) (formula.Value, error) {
	return v[card][formula.NormalizeName(property)], nil
}

// Convert turns a scanned column value into a value of the property's
// type. Drivers return numbers as int64, float64, text or bytes and dates
// as time.Time or text.
func Convert(raw any, prop *formula.Property) (formula.Value, error) {
	var (
		v   formula.Value
		err error
	)
	switch x := raw.(type) {
	case nil:
		return formula.NullValue(), nil
	case int64:
		v = formula.IntValue(x)
	case float64:
		v = formula.NumberValue(decimal.NewFromFloat(x))
	case time.Time:
		v = formula.DateValue(x)
	case []byte:
		v, err = formula.ParseValue(string(x), prop.Type)
	case string:
		v, err = formula.ParseValue(x, prop.Type)
	default:
		return formula.NullValue(), ferrors.NewInvalidLiteralError("Lookup", prop.Name, fmt.Sprint(raw),
			fmt.Errorf("unsupported column type %T", raw))
	}
	if err != nil {
		return formula.NullValue(), ferrors.NewInvalidLiteralError("Lookup", prop.Name, fmt.Sprint(raw), err)
	}

	switch {
	case v.IsNull():
	case prop.Type == formula.PropertyNumber && v.Kind() != formula.ValueNumber,
		prop.Type == formula.PropertyDate && v.Kind() != formula.ValueDate:
		return formula.NullValue(), ferrors.NewInvalidLiteralError("Lookup", prop.Name, fmt.Sprint(raw),
			fmt.Errorf("%s column holds a %s", prop.Type, v.Kind()))
	}
	return v, nil
}

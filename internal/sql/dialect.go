// Package sql compiles formula expression trees into SQL fragments that a
// persistence layer embeds in its own SELECT or UPDATE statements.
package sql

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"golang.org/x/exp/slices"
)

// MaxPrecision is the largest decimal precision every supported database accepts.
const MaxPrecision = 38

// Dialect renders the database specific parts of a fragment. The renderer
// owns the traversal; a dialect only formats leaves and date arithmetic.
type Dialect interface {
	// Name is the registry key of the dialect.
	Name() string
	// Column renders a qualified reference to a column of table.
	Column(table, column string) string
	// Identifier quotes a bare identifier.
	Identifier(name string) string
	// Fold returns name in the case the database stores unquoted identifiers in.
	Fold(name string) string
	// Decimal casts expr to a fixed point type with scale fractional digits.
	Decimal(expr string, scale int) string
	// DateLiteral renders a date constant.
	DateLiteral(t time.Time) string
	// AddDays adds days, rounded to whole days, to a date expression.
	AddDays(date, days string) string
	// SubtractDays subtracts days, rounded to whole days, from a date expression.
	SubtractDays(date, days string) string
	// DaysBetween renders the whole number of days from right to left.
	DaysBetween(left, right string) string
	// StatementDialect names the goqu dialect used for whole statements.
	StatementDialect() string
}

// GenericDialect targets ANSI databases with PostgreSQL conventions.
type GenericDialect struct{}

func (GenericDialect) Name() string {
	return "generic"
}

func (d GenericDialect) Column(table, column string) string {
	if table == "" {
		return d.Identifier(column)
	}
	return table + "." + d.Identifier(column)
}

func (GenericDialect) Identifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (GenericDialect) Fold(name string) string {
	return name
}

func (GenericDialect) Decimal(expr string, scale int) string {
	return fmt.Sprintf("CAST(%s AS DECIMAL(%d,%d))", expr, MaxPrecision, scale)
}

func (GenericDialect) DateLiteral(t time.Time) string {
	return fmt.Sprintf("DATE '%s'", t.Format("2006-01-02"))
}

func (GenericDialect) AddDays(date, days string) string {
	return fmt.Sprintf("(%s + CAST(ROUND(%s) AS INTEGER))", date, days)
}

func (GenericDialect) SubtractDays(date, days string) string {
	return fmt.Sprintf("(%s - CAST(ROUND(%s) AS INTEGER))", date, days)
}

func (GenericDialect) DaysBetween(left, right string) string {
	return fmt.Sprintf("(%s - %s)", left, right)
}

func (GenericDialect) StatementDialect() string {
	return "postgres"
}

// OracleDialect targets Oracle. Identifiers are stored upper case there, so
// both table and column names are upper-cased before quoting.
type OracleDialect struct{}

func (OracleDialect) Name() string {
	return "oracle"
}

func (d OracleDialect) Column(table, column string) string {
	if table == "" {
		return d.Identifier(column)
	}
	return d.Fold(table) + "." + d.Identifier(column)
}

func (d OracleDialect) Identifier(name string) string {
	return `"` + strings.ReplaceAll(d.Fold(name), `"`, `""`) + `"`
}

func (OracleDialect) Fold(name string) string {
	return strings.ToUpper(name)
}

func (OracleDialect) Decimal(expr string, scale int) string {
	return fmt.Sprintf("CAST(%s AS NUMBER(%d,%d))", expr, MaxPrecision, scale)
}

func (OracleDialect) DateLiteral(t time.Time) string {
	return fmt.Sprintf("TO_DATE('%s', 'YYYY-MM-DD')", t.Format("2006-01-02"))
}

func (OracleDialect) AddDays(date, days string) string {
	return fmt.Sprintf("(%s + ROUND(%s))", date, days)
}

func (OracleDialect) SubtractDays(date, days string) string {
	return fmt.Sprintf("(%s - ROUND(%s))", date, days)
}

func (OracleDialect) DaysBetween(left, right string) string {
	return fmt.Sprintf("(TRUNC(%s) - TRUNC(%s))", left, right)
}

func (OracleDialect) StatementDialect() string {
	return "default"
}

// SQLiteDialect targets SQLite, which has no fixed point type: a cast to
// NUMERIC turns 7.0 back into the integer 7. Intermediate values are REAL
// rounded to the requested scale, and dates are ISO text moved through
// julianday.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string {
	return "sqlite"
}

func (d SQLiteDialect) Column(table, column string) string {
	if table == "" {
		return d.Identifier(column)
	}
	return table + "." + d.Identifier(column)
}

func (SQLiteDialect) Identifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (SQLiteDialect) Fold(name string) string {
	return name
}

func (SQLiteDialect) Decimal(expr string, scale int) string {
	return fmt.Sprintf("ROUND(CAST(%s AS REAL), %d)", expr, scale)
}

func (SQLiteDialect) DateLiteral(t time.Time) string {
	return fmt.Sprintf("DATE('%s')", t.Format("2006-01-02"))
}

func (SQLiteDialect) AddDays(date, days string) string {
	return fmt.Sprintf("DATE(julianday(%s) + ROUND(%s))", date, days)
}

func (SQLiteDialect) SubtractDays(date, days string) string {
	return fmt.Sprintf("DATE(julianday(%s) - ROUND(%s))", date, days)
}

func (SQLiteDialect) DaysBetween(left, right string) string {
	return fmt.Sprintf("(julianday(%s) - julianday(%s))", left, right)
}

func (SQLiteDialect) StatementDialect() string {
	return "sqlite3"
}

var (
	// Generic is the default dialect.
	Generic Dialect = GenericDialect{}
	// Oracle is the Oracle dialect.
	Oracle Dialect = OracleDialect{}
	// SQLite is the SQLite dialect.
	SQLite Dialect = SQLiteDialect{}
)

var (
	dialectsMu sync.RWMutex
	dialects   = map[string]Dialect{
		"generic":    Generic,
		"postgres":   Generic,
		"postgresql": Generic,
		"oracle":     Oracle,
		"sqlite":     SQLite,
		"sqlite3":    SQLite,
	}
)

// RegisterDialect makes d available to LookupDialect under name.
func RegisterDialect(name string, d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[strings.ToLower(name)] = d
}

// LookupDialect returns the dialect registered under name. The empty name
// selects Generic.
func LookupDialect(name string) (Dialect, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Generic, nil
	}
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	if d, ok := dialects[key]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown SQL dialect %q", name)
}

// DialectNames lists the registered dialect names in sorted order.
func DialectNames() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

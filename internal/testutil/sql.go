package testutil

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // sqlite3 insert dialect
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/paveg/cardformula/internal/formula"
	"github.com/paveg/cardformula/internal/registry"
	"github.com/paveg/cardformula/internal/store"
)

// CardRow is one card of a test card table. Values are keyed by property
// name; dates are given as "2006-01-02" text.
type CardRow struct {
	ID     int64
	Values map[string]any
}

// CardDB is a SQLite card table holding a column per registry property.
type CardDB struct {
	DB       *sql.DB
	Registry *registry.Registry
	Table    string
}

// SetupCardDB creates the card table of reg in the SQLite database dsn
// and inserts rows. Use ":memory:" for a private in-memory database. The
// connection is closed when the test ends.
//
// Example usage:
//
//	cards := testutil.SetupCardDB(t, reg, ":memory:",
//		testutil.CardRow{ID: 1, Values: map[string]any{"Release": 4}})
//	v, err := cards.Lookup().Lookup(1, "Release")
func SetupCardDB(tb testing.TB, reg *registry.Registry, dsn string, rows ...CardRow) *CardDB {
	tb.Helper()

	db, err := sql.Open("sqlite", dsn)
	require.NoError(tb, err, "opening test database should succeed")
	if dsn == ":memory:" {
		// Every connection gets its own in-memory database.
		db.SetMaxOpenConns(1)
	}
	tb.Cleanup(func() { _ = db.Close() })

	c := &CardDB{DB: db, Registry: reg, Table: store.DefaultTable}

	columns := []string{fmt.Sprintf("%q INTEGER PRIMARY KEY", store.DefaultIDColumn)}
	for _, p := range reg.Properties() {
		columns = append(columns, fmt.Sprintf("%q %s", p.ColumnName(), columnType(p)))
	}
	_, err = db.Exec(fmt.Sprintf("CREATE TABLE %q (%s)", c.Table, strings.Join(columns, ", ")))
	require.NoError(tb, err, "creating card table should succeed")

	c.Insert(tb, rows...)
	return c
}

// Insert adds rows to the card table.
func (c *CardDB) Insert(tb testing.TB, rows ...CardRow) {
	tb.Helper()
	if len(rows) == 0 {
		return
	}

	records := make([]any, 0, len(rows))
	for _, row := range rows {
		// goqu requires every row to carry the same columns.
		record := goqu.Record{store.DefaultIDColumn: row.ID}
		for _, p := range c.Registry.Properties() {
			record[p.ColumnName()] = nil
		}
		for name, value := range row.Values {
			p, ok := c.Registry.Resolve(name)
			require.True(tb, ok, "unknown property %q", name)
			record[p.ColumnName()] = value
		}
		records = append(records, record)
	}

	query, _, err := goqu.Dialect("sqlite3").Insert(c.Table).Rows(records...).ToSQL()
	require.NoError(tb, err)
	_, err = c.DB.Exec(query)
	require.NoError(tb, err, "inserting cards should succeed")
}

// Lookup returns a value lookup reading the card table.
func (c *CardDB) Lookup(opts ...store.Option) *store.SQLLookup {
	opts = append([]store.Option{store.WithTable(c.Table), store.WithDialect("sqlite3")}, opts...)
	return store.NewSQLLookup(c.DB, c.Registry, opts...)
}

func columnType(p *formula.Property) string {
	if p.Type == formula.PropertyNumber {
		return "NUMERIC"
	}
	return "TEXT"
}

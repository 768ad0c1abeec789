package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/paveg/cardformula"
	"github.com/paveg/cardformula/internal/api"
	"github.com/paveg/cardformula/internal/batch"
	"github.com/paveg/cardformula/internal/config"
	"github.com/paveg/cardformula/internal/formula"
	"github.com/paveg/cardformula/internal/registry"
	fsql "github.com/paveg/cardformula/internal/sql"
	"github.com/paveg/cardformula/internal/store"
	"github.com/paveg/cardformula/internal/version"
)

func customUsage(w io.Writer) func() {
	return func() {
		fmt.Fprintf(w, "Card formula engine CLI (version %s)\n\n", version.Version)
		fmt.Fprintf(w, "Usage: formula-cli --project FILE [options]\n\n")
		fmt.Fprintf(w, "Options:\n")
		fmt.Fprintf(w, "  --project FILE\n\t\tProject snapshot (properties, variables, aggregates) in YAML\n")
		fmt.Fprintf(w, "  --config FILE\n\t\tEngine configuration (JSON or YAML); CARDFORMULA_* variables otherwise\n")
		fmt.Fprintf(w, "  --validate FORMULA\n\t\tParse and type check a formula\n")
		fmt.Fprintf(w, "  --eval FORMULA\n\t\tEvaluate a formula for --card, or for every card in --cards\n")
		fmt.Fprintf(w, "  --sql FORMULA\n\t\tPrint the SQL fragment computing a formula\n")
		fmt.Fprintf(w, "  --recompute PROPERTY\n\t\tPrint the UPDATE statement storing a formula property\n")
		fmt.Fprintf(w, "  --check\n\t\tCheck every formula and aggregate definition for circular references\n")
		fmt.Fprintf(w, "  --serve\n\t\tServe the HTTP API on the configured listen address\n")
		fmt.Fprintf(w, "  --card N, --cards N,M,...\n\t\tCards to evaluate for\n")
		fmt.Fprintf(w, "  --set NAME=VALUE\n\t\tProperty value used by --eval (repeatable)\n")
		fmt.Fprintf(w, "  --override NAME=LITERAL\n\t\tReplace a property by a literal in --sql (repeatable, empty means NULL)\n")
		fmt.Fprintf(w, "  --driver NAME, --dsn DSN\n\t\tRead property values from a database (postgres or sqlite)\n")
		fmt.Fprintf(w, "  -v, --version\n\t\tPrint version information and exit\n")
		fmt.Fprintf(w, "  -h, --help\n\t\tShow this help message and exit\n")
	}
}

// pairs collects repeated NAME=VALUE flags.
type pairs []string

func (p *pairs) String() string { return strings.Join(*p, ",") }

func (p *pairs) Set(s string) error {
	if !strings.Contains(s, "=") {
		return fmt.Errorf("expected NAME=VALUE, got %q", s)
	}
	*p = append(*p, s)
	return nil
}

func (p pairs) each(fn func(name, value string) error) error {
	for _, kv := range p {
		name, value, _ := strings.Cut(kv, "=")
		if err := fn(strings.TrimSpace(name), value); err != nil {
			return err
		}
	}
	return nil
}

type options struct {
	project   string
	config    string
	validate  string
	eval      string
	sql       string
	recompute string
	check     bool
	serve     bool
	card      int64
	cards     string
	driver    string
	dsn       string
	set       pairs
	overrides pairs
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("formula-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = customUsage(stderr)

	var opts options
	versionFlag := fs.Bool("v", false, "Print version and exit")
	fs.BoolVar(versionFlag, "version", false, "Print version and exit") // alias
	fs.StringVar(&opts.project, "project", "", "Project snapshot file")
	fs.StringVar(&opts.config, "config", "", "Engine configuration file")
	fs.StringVar(&opts.validate, "validate", "", "Formula to validate")
	fs.StringVar(&opts.eval, "eval", "", "Formula to evaluate")
	fs.StringVar(&opts.sql, "sql", "", "Formula to compile to SQL")
	fs.StringVar(&opts.recompute, "recompute", "", "Formula property to recompute")
	fs.BoolVar(&opts.check, "check", false, "Check definitions for circular references")
	fs.BoolVar(&opts.serve, "serve", false, "Serve the HTTP API")
	fs.Int64Var(&opts.card, "card", 0, "Card to evaluate for")
	fs.StringVar(&opts.cards, "cards", "", "Comma separated cards to evaluate for")
	fs.StringVar(&opts.driver, "driver", "postgres", "Database driver (postgres, sqlite)")
	fs.StringVar(&opts.dsn, "dsn", "", "Database to read property values from")
	fs.Var(&opts.set, "set", "Property value NAME=VALUE")
	fs.Var(&opts.overrides, "override", "SQL override NAME=LITERAL")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *versionFlag {
		fmt.Fprint(stdout, version.Info().String())
		return 0
	}
	if opts.project == "" {
		fs.Usage()
		return 2
	}

	engine, cfg, err := newEngine(opts, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch {
	case opts.validate != "":
		err = validate(engine, opts.validate, stdout)
	case opts.eval != "":
		err = evaluate(ctx, engine, opts, stdout)
	case opts.sql != "":
		err = renderSQL(engine, opts, stdout)
	case opts.recompute != "":
		err = recompute(engine, opts.recompute, stdout)
	case opts.check:
		err = check(ctx, engine, stdout)
	case opts.serve:
		err = serve(ctx, engine, cfg, stderr)
	default:
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newEngine(opts options, stderr io.Writer) (*cardformula.Engine, config.Config, error) {
	cfg := config.LoadFromEnv()
	if opts.config != "" {
		var err error
		if cfg, err = config.LoadFromFile(opts.config); err != nil {
			return nil, cfg, err
		}
	}
	reg, err := registry.LoadFile(opts.project)
	if err != nil {
		return nil, cfg, err
	}
	engine, err := cardformula.NewEngine(cfg, reg, cardformula.WithLogger(cfg.Logger(stderr)))
	if err != nil {
		return nil, cfg, err
	}
	return engine, engine.Config(), nil
}

func validate(engine *cardformula.Engine, text string, stdout io.Writer) error {
	if err := engine.Validate(text); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "OK")
	return nil
}

func evaluate(ctx context.Context, engine *cardformula.Engine, opts options, stdout io.Writer) error {
	lookup, closeDB, err := valueSource(ctx, engine, opts)
	if err != nil {
		return err
	}
	defer closeDB()

	if opts.cards == "" {
		v, err := engine.Evaluate(ctx, opts.eval, formula.CardID(opts.card), lookup)
		if err != nil {
			return err
		}
		if v.IsNull() {
			fmt.Fprintln(stdout, "null")
		} else {
			fmt.Fprintln(stdout, v.String())
		}
		return nil
	}

	cards, err := parseCards(opts.cards)
	if err != nil {
		return err
	}
	if loader, ok := lookup.(*store.SQLLookup); ok {
		// One query for all cards instead of one per value.
		if lookup, err = loader.Load(ctx, cards, storedProperties(engine)); err != nil {
			return err
		}
	}
	arr, err := engine.EvaluateBatch(ctx, opts.eval, cards, lookup)
	if err != nil {
		return err
	}
	defer arr.Release()
	printColumn(stdout, cards, arr)
	return nil
}

// valueSource returns the database lookup when a DSN is given, the --set
// values otherwise.
func valueSource(ctx context.Context, engine *cardformula.Engine, opts options) (formula.ValueLookup, func(), error) {
	noop := func() {}
	if opts.dsn == "" {
		values := formula.MapLookup{}
		err := opts.set.each(func(name, text string) error {
			p, ok := engine.Registry().Resolve(name)
			if !ok {
				return fmt.Errorf("unknown property %q", name)
			}
			v, err := formula.ParseValue(text, p.Type)
			if err != nil {
				return fmt.Errorf("value of %s: %w", p.Name, err)
			}
			values[formula.NormalizeName(name)] = v
			return nil
		})
		return values, noop, err
	}

	dialect := "postgres"
	if strings.HasPrefix(opts.driver, "sqlite") {
		dialect = "sqlite3"
	}
	db, err := sql.Open(opts.driver, opts.dsn)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, noop, fmt.Errorf("failed to ping database: %w", err)
	}
	lookup := store.NewSQLLookup(db, engine.Registry(),
		store.WithTable(engine.Config().Table),
		store.WithDialect(dialect),
	).WithContext(ctx)
	return lookup, func() { db.Close() }, nil
}

func storedProperties(engine *cardformula.Engine) []*formula.Property {
	var props []*formula.Property
	for _, p := range engine.Registry().Properties() {
		if !p.Formula && (p.Type == formula.PropertyNumber || p.Type == formula.PropertyDate) {
			props = append(props, p)
		}
	}
	return props
}

func parseCards(s string) ([]formula.CardID, error) {
	var cards []formula.CardID
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid card %q", part)
		}
		cards = append(cards, formula.CardID(id))
	}
	return cards, nil
}

func printColumn(w io.Writer, cards []formula.CardID, arr arrow.Array) {
	for i, card := range cards {
		value := "null"
		if arr.IsValid(i) {
			switch col := arr.(type) {
			case *array.Float64:
				value = strconv.FormatFloat(col.Value(i), 'f', -1, 64)
			case *array.Date32:
				value = batch.DateAt(col, i).Format(formula.DateLayout)
			}
		}
		fmt.Fprintf(w, "%d\t%s\n", card, value)
	}
}

func renderSQL(engine *cardformula.Engine, opts options, stdout io.Writer) error {
	var overrides fsql.Overrides
	if len(opts.overrides) > 0 {
		overrides = fsql.NewOverrides()
		err := opts.overrides.each(func(name, literal string) error {
			p, ok := engine.Registry().Resolve(name)
			if !ok {
				return fmt.Errorf("unknown property %q", name)
			}
			if literal == "" {
				overrides.SetNull(p.Name)
			} else {
				overrides.Set(p.Name, literal)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	fragment, err := engine.ToSQL(opts.sql, overrides)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, fragment)
	return nil
}

func recompute(engine *cardformula.Engine, name string, stdout io.Writer) error {
	stmt, err := engine.RecomputeSQL(name)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, stmt)
	return nil
}

// check reports every definition that is part of a circular reference or
// refers to an unknown property.
func check(ctx context.Context, engine *cardformula.Engine, stdout io.Writer) error {
	defs := engine.Registry().Definitions()
	failed := 0
	for _, def := range defs {
		if err := engine.CheckDependencies(ctx, def); err != nil {
			fmt.Fprintf(stdout, "%s %s: %v\n", def.Kind, def.ID(), err)
			failed++
		}
	}
	if chain, ok := cardformula.CheckCycles(defs); ok {
		fmt.Fprintf(stdout, "cycle: %s\n", chain)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions rejected", failed, len(defs))
	}
	fmt.Fprintf(stdout, "%d definitions OK\n", len(defs))
	return nil
}

func serve(ctx context.Context, engine *cardformula.Engine, cfg config.Config, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return api.NewServer(engine, cfg.Logger(stderr)).ListenAndServe(ctx, cfg.ListenAddr)
}

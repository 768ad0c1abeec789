package formula

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
)

// DateLayout is the canonical text form of date values.
const DateLayout = "2006-01-02"

// ValueKind identifies the variant held by a Value
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueNumber
	ValueDate
)

func (k ValueKind) String() string {
	switch k {
	case ValueNumber:
		return "number"
	case ValueDate:
		return "date"
	}
	return "null"
}

// Value is the result of evaluating an expression: a decimal number, a
// calendar date, or null. The zero Value is null.
type Value struct {
	kind   ValueKind
	number decimal.Decimal
	date   time.Time
}

// NumberValue wraps a decimal
func NumberValue(d decimal.Decimal) Value {
	return Value{kind: ValueNumber, number: d}
}

// IntValue wraps an integer
func IntValue(i int64) Value {
	return NumberValue(decimal.NewFromInt(i))
}

// DateValue wraps the calendar date of t
func DateValue(t time.Time) Value {
	return Value{kind: ValueDate, date: truncateDate(t)}
}

// NullValue returns the null value
func NullValue() Value {
	return Value{}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == ValueNull
}

// Number returns the decimal; zero unless Kind is ValueNumber.
func (v Value) Number() decimal.Decimal {
	return v.number
}

// Date returns the date at UTC midnight; zero unless Kind is ValueDate.
func (v Value) Date() time.Time {
	return v.date
}

func (v Value) String() string {
	switch v.kind {
	case ValueNumber:
		return v.number.String()
	case ValueDate:
		return v.date.Format(DateLayout)
	}
	return ""
}

// Equal compares kind and value; numbers compare numerically.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case ValueNumber:
		return v.number.Equal(other.number)
	case ValueDate:
		return v.date.Equal(other.date)
	}
	return true
}

// Round rounds a number value to precision digits after the decimal
// point. Other values are returned unchanged.
func Round(v Value, precision int) Value {
	if v.kind != ValueNumber {
		return v
	}
	return NumberValue(v.number.Round(int32(precision)))
}

// Node returns the literal node holding v.
func (v Value) Node() Node {
	switch v.kind {
	case ValueNumber:
		return Number(v.number)
	case ValueDate:
		return Date(v.date)
	}
	return Null()
}

// ParseValue reads text as a value of the given property type. Blank text
// is null. Dates accept any layout understood by dateparse.
func ParseValue(text string, t PropertyType) (Value, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return NullValue(), nil
	}
	switch t {
	case PropertyNumber:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return NullValue(), fmt.Errorf("parsing number %q: %w", text, err)
		}
		return NumberValue(d), nil
	case PropertyDate:
		parsed, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return NullValue(), fmt.Errorf("parsing date %q: %w", text, err)
		}
		return DateValue(parsed), nil
	}
	return NullValue(), fmt.Errorf("%s values cannot be used in formulas", t)
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// epochDay returns the number of days between 1970-01-01 and the date.
func epochDay(t time.Time) int64 {
	return truncateDate(t).Unix() / secondsPerDay
}

const secondsPerDay = 24 * 60 * 60

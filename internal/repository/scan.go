package repository

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// nullStr maps the empty string to NULL, preserving unique constraints on
// optional columns like exchange_order_id
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fromNullStr(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func decStr(d decimal.Decimal) string {
	return d.String()
}

func fromNullDec(s sql.NullString) decimal.Decimal {
	if !s.Valid || s.String == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type decimalField struct {
	raw string
	dst *decimal.Decimal
}

func field(raw string, dst *decimal.Decimal) decimalField {
	return decimalField{raw: raw, dst: dst}
}

// parseDecimals parses NUMERIC columns selected with ::text.
func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func nullableDecimal(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classifyPgError maps serialization failures and deadlocks to ErrConflict.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricescan/internal/scan"
)

var recordColumns = []string{
	"batch_id",
	"row_index",
	"product_id",
	"retailer_key",
	"description",
	"original_url",
	"resolved_url",
	"price",
	"stock_state",
	"http_status",
	"method",
	"elapsed_ms",
	"attempts",
	"error_message",
	"url_status",
	"scanned_at",
}

// StoreRecords copies every record of a batch into the records table.
func (d *DB) StoreRecords(ctx context.Context, batchID string, records []scan.CanonicalRecord) error {
	if d == nil || d.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if len(records) == 0 {
		return nil
	}
	id, err := uuid.Parse(batchID)
	if err != nil {
		return fmt.Errorf("parse batch id: %w", err)
	}
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []any{
			id,
			rec.Row,
			rec.ProductID,
			rec.RetailerKey,
			rec.Description,
			rec.OriginalURL,
			rec.ResolvedURL,
			numeric(rec.Price),
			string(rec.StockState),
			rec.HTTPStatus,
			string(rec.Method),
			rec.ElapsedMS,
			rec.Attempts,
			rec.ErrorMessage,
			string(rec.URLStatus),
			rec.ScannedAt,
		})
	}
	n, err := d.pool.CopyFrom(ctx, pgx.Identifier{d.recordsTable}, recordColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy scan records: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy scan records: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

func numeric(price decimal.NullDecimal) pgtype.Numeric {
	if !price.Valid {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{
		Int:   price.Decimal.Coefficient(),
		Exp:   price.Decimal.Exponent(),
		Valid: true,
	}
}

package origin

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/basekick-labs/tickstore/pkg/models"
)

// TickColumns is the column order expected by ScanTick.
var TickColumns = []string{"timestamp", "side", "price", "size", "count"}

// ScanTick reads a models.Tick from a row selected with TickColumns.
func ScanTick(rows pgx.Rows) (models.Tick, error) {
	var (
		ts    time.Time
		side  string
		price float64
		size  float64
		count int32
	)
	if err := rows.Scan(&ts, &side, &price, &size, &count); err != nil {
		return models.Tick{}, err
	}

	s, err := models.ParseSide(side)
	if err != nil {
		return models.Tick{}, fmt.Errorf("row at %s: %w", ts.Format(time.RFC3339), err)
	}

	return models.Tick{
		Time:  ts.Unix(),
		Side:  s,
		Price: decimal.NewFromFloat(price),
		Size:  size,
		Count: count,
	}, nil
}

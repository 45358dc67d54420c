package visitsync

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

// ExportVisitsCSV writes the finance export for filters as CSV and returns
// the number of data rows. Columns follow the first row; later rows are
// aligned to them by name. Exports are never cached.
func (c *Coordinator) ExportVisitsCSV(ctx context.Context, filters visits.SearchFilters, w io.Writer) (int, error) {
	rows, err := c.service.ExportVisits(ctx, filters)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	header := make([]string, 0, len(rows[0]))
	for _, col := range rows[0] {
		header = append(header, col.Name)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("visitsync: write csv header: %w", err)
	}
	record := make([]string, len(header))
	for _, row := range rows {
		byName := make(map[string]string, len(row))
		for _, col := range row {
			byName[col.Name] = col.Value
		}
		for i, name := range header {
			record[i] = byName[name]
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("visitsync: write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("visitsync: flush csv: %w", err)
	}
	c.logger.Info("visits exported", "rows", len(rows))
	return len(rows), nil
}

package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Column aliases accepted by ParseCSV. The second spelling of each column
// is the legacy price-list export (EmisoraBancoPrecios).
var columnAliases = map[string][]string{
	"channel_id":      {"channel_id", "idEmisora"},
	"display_name":    {"display_name", "Emisora"},
	"settlement_bank": {"settlement_bank", "Nombre"},
	"routing_class":   {"routing_class", "TipoEnvio"},
	"cost_on_success": {"cost_on_success", "Costo_Hit_Win"},
	"cost_on_failure": {"cost_on_failure", "Costo_Hit_Miss"},
}

var requiredColumns = []string{"channel_id", "settlement_bank", "routing_class", "cost_on_success", "cost_on_failure"}

// ParseCSV reads catalog rows from CSV with a header line.
// In the legacy export any TipoEnvio other than INTERBANCARIO is DOMESTIC.
func ParseCSV(r io.Reader) ([]domain.Channel, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty catalog file", domain.ErrSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	cols, legacy := resolveColumns(header)
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: missing required column %s", domain.ErrSchema, name)
		}
	}

	var rows []domain.Channel
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv: read line %d: %w", line, err)
		}

		row, err := parseRecord(record, cols, legacy)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// LoadCSV parses CSV rows and builds a catalog snapshot.
func LoadCSV(r io.Reader) (*Catalog, error) {
	rows, err := ParseCSV(r)
	if err != nil {
		return nil, err
	}
	return New(rows)
}

func resolveColumns(header []string) (map[string]int, bool) {
	cols := make(map[string]int, len(header))
	legacy := false
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		for name, aliases := range columnAliases {
			for j, alias := range aliases {
				if strings.EqualFold(h, alias) {
					cols[name] = i
					if j > 0 && name == "routing_class" {
						legacy = true
					}
				}
			}
		}
	}
	return cols, legacy
}

func parseRecord(record []string, cols map[string]int, legacy bool) (domain.Channel, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	row := domain.Channel{
		ID:             field("channel_id"),
		DisplayName:    field("display_name"),
		SettlementBank: field("settlement_bank"),
	}

	routing := field("routing_class")
	if legacy {
		row.RoutingClass = domain.RoutingDomestic
		if strings.EqualFold(routing, "INTERBANCARIO") {
			row.RoutingClass = domain.RoutingInterbank
		}
	} else {
		rc, err := domain.ParseRoutingClass(routing)
		if err != nil {
			return row, err
		}
		row.RoutingClass = rc
	}

	var err error
	if row.CostOnSuccess, err = parseAmount(field("cost_on_success")); err != nil {
		return row, fmt.Errorf("cost_on_success: %w", err)
	}
	if row.CostOnFailure, err = parseAmount(field("cost_on_failure")); err != nil {
		return row, fmt.Errorf("cost_on_failure: %w", err)
	}

	return row, nil
}

// parseAmount treats an empty cell as zero.
func parseAmount(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", domain.ErrSchema, s)
	}
	return v, nil
}

package models

import (
	"fmt"
	"io"
	"strings"

	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// purchaseHeaderAliases maps normalized spreadsheet headers onto NewPurchaseItem fields.
var purchaseHeaderAliases = map[string]string{
	"item id":      "item_id",
	"itemid":       "item_id",
	"item code":    "item_id",
	"code":         "item_id",
	"name":         "name",
	"item name":    "name",
	"product name": "name",
	"brand":        "brand",
	"category":     "category",
	"unit":         "unit",
	"quantity":     "quantity",
	"qty":          "quantity",
	"price":        "price",
	"unit price":   "price",
	"rate":         "price",
	"total":        "total",
	"total price":  "total",
	"amount":       "total",
	"description":  "description",
	"image":        "image",
}

// ParsePurchaseItems reads purchase line items from the first sheet of an xlsx file.
// The first row is the header; item id and quantity columns are required. Blank rows are skipped,
// unknown columns land in Extra keyed by their header.
func ParsePurchaseItems(reader io.Reader) ([]NewPurchaseItem, error) {
	file, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, newValidationError("file", "xlsx")
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, newValidationError("file", "no sheets")
	}
	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, newValidationError("file", "empty")
	}

	columns, extras := mapPurchaseColumns(rows[0])
	for _, required := range []string{"item_id", "quantity"} {
		if _, ok := columns[required]; !ok {
			return nil, newValidationError("column "+required, "required")
		}
	}

	fields := map[string]string{}
	items := make([]NewPurchaseItem, 0, len(rows)-1)
	for index := 1; index < len(rows); index++ {
		cells := rows[index]
		itemId := strings.TrimSpace(readCell(cells, columns, "item_id"))
		if itemId == "" {
			continue
		}
		row := fmt.Sprintf("row %d", index+1)
		item := NewPurchaseItem{
			ItemId:      itemId,
			Name:        strings.TrimSpace(readCell(cells, columns, "name")),
			Brand:       strings.TrimSpace(readCell(cells, columns, "brand")),
			Category:    strings.TrimSpace(readCell(cells, columns, "category")),
			Unit:        strings.TrimSpace(readCell(cells, columns, "unit")),
			Description: strings.TrimSpace(readCell(cells, columns, "description")),
			Image:       strings.TrimSpace(readCell(cells, columns, "image")),
		}
		qty, err := utils.ParseDecimal(readCell(cells, columns, "quantity"))
		if err != nil || !qty.IsPositive() {
			fields[row+".quantity"] = "gt=0"
			continue
		}
		item.QuantityInNumbers = qty
		if item.PriceInNumbers, err = optionalDecimal(readCell(cells, columns, "price")); err != nil {
			fields[row+".price"] = "decimal"
			continue
		}
		if item.TotalPriceInNumbers, err = optionalDecimal(readCell(cells, columns, "total")); err != nil {
			fields[row+".total"] = "decimal"
			continue
		}
		if item.TotalPriceInNumbers.IsZero() {
			item.TotalPriceInNumbers = qty.Mul(item.PriceInNumbers)
		}
		for idx, header := range extras {
			if v := strings.TrimSpace(cellAt(cells, idx)); v != "" {
				if item.Extra == nil {
					item.Extra = map[string]string{}
				}
				item.Extra[header] = v
			}
		}
		items = append(items, item)
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	if len(items) == 0 {
		return nil, newValidationError("file", "no item rows")
	}
	return items, nil
}

func mapPurchaseColumns(header []string) (map[string]int, map[int]string) {
	columns := make(map[string]int)
	extras := make(map[int]string)
	for idx, col := range header {
		normalized := normalizeHeader(col)
		if normalized == "" {
			continue
		}
		canonical, ok := purchaseHeaderAliases[normalized]
		if !ok {
			extras[idx] = strings.TrimSpace(col)
			continue
		}
		if _, exists := columns[canonical]; !exists {
			columns[canonical] = idx
		}
	}
	return columns, extras
}

func normalizeHeader(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "\ufeff")
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", " ")
	return strings.Join(strings.Fields(value), " ")
}

func readCell(row []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok {
		return ""
	}
	return cellAt(row, idx)
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func optionalDecimal(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return utils.ParseDecimal(raw)
}

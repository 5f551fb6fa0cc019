package models_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func buildSheet(t *testing.T, rows ...[]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestParsePurchaseItems(t *testing.T) {
	buf := buildSheet(t,
		[]any{"Item Code", "Product Name", "Qty", "Unit Price", "Total", "Colour"},
		[]any{"K5", "Sunflower Oil", "10", "1,200", "", "gold"},
		[]any{"", "", "", "", "", ""},
		[]any{"K7", "Rice", "2", "", "MMK 9,000", ""},
	)

	items, err := models.ParsePurchaseItems(buf)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "K5", items[0].ItemId)
	assert.Equal(t, "Sunflower Oil", items[0].Name)
	assert.True(t, items[0].QuantityInNumbers.Equal(dec("10")))
	assert.True(t, items[0].PriceInNumbers.Equal(dec("1200")))
	assert.True(t, items[0].TotalPriceInNumbers.Equal(dec("12000")))
	assert.Equal(t, map[string]string{"Colour": "gold"}, items[0].Extra)

	assert.True(t, items[1].TotalPriceInNumbers.Equal(dec("9000")))
	assert.Nil(t, items[1].Extra)
}

func TestParsePurchaseItems_Rejects(t *testing.T) {
	_, err := models.ParsePurchaseItems(strings.NewReader("not a spreadsheet"))
	assert.True(t, models.IsValidation(err))

	_, err = models.ParsePurchaseItems(buildSheet(t, []any{"Name", "Qty"}, []any{"Oil", "1"}))
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "column item_id")

	_, err = models.ParsePurchaseItems(buildSheet(t, []any{"item_id", "quantity"}, []any{"K5", "0"}, []any{"K6", "abc"}))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "gt=0", ve.Fields["row 2.quantity"])
	assert.Equal(t, "gt=0", ve.Fields["row 3.quantity"])

	_, err = models.ParsePurchaseItems(buildSheet(t, []any{"item_id", "quantity"}))
	assert.True(t, models.IsValidation(err))
}

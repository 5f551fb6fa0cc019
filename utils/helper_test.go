package utils_test

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	cases := map[string]string{
		"20,000":     "20000",
		"MMK 20,000": "20000",
		"Ks 1,500":   "1500",
		"-1,234.50":  "-1234.5",
		"  42  ":     "42",
	}
	for in, want := range cases {
		got, err := utils.ParseDecimal(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}

	for _, in := range []string{"", "   ", "MMK", "abc"} {
		_, err := utils.ParseDecimal(in)
		assert.Error(t, err, in)
	}
}

func TestUniqueSlice(t *testing.T) {
	assert.Equal(t, []string{"K5", "K6"}, utils.UniqueSlice([]string{"K5", "K6", "K5"}))
	assert.Empty(t, utils.UniqueSlice[int](nil))
}

func TestDefaultStringAndDateOrNow(t *testing.T) {
	assert.Equal(t, "Purchase", utils.DefaultString("  ", "Purchase"))
	assert.Equal(t, "Local", utils.DefaultString(" Local ", "Purchase"))

	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, d, utils.DateOrNow(&d))
	assert.WithinDuration(t, time.Now().UTC(), utils.DateOrNow(nil), time.Minute)
	assert.WithinDuration(t, time.Now().UTC(), utils.DateOrNow(&time.Time{}), time.Minute)
}

func TestDereferencePtr(t *testing.T) {
	v := 3
	assert.Equal(t, 3, utils.DereferencePtr(&v))
	assert.Equal(t, 0, utils.DereferencePtr[int](nil))
	assert.Equal(t, 9, utils.DereferencePtr(nil, 9))
}

func TestLockEntities_WithoutRedis(t *testing.T) {
	release, err := utils.LockEntities(context.Background(), "test", utils.ProductLockKey("K5"), utils.SellerLockKey("S1"))
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestLockKeys(t *testing.T) {
	assert.Equal(t, "transport:FastMove|Logistic", utils.TransportLockKey("FastMove", "Logistic"))
	assert.Equal(t, "transport-id:7", utils.TransportIdLockKey(7))
	assert.Equal(t, "sequence:KP", utils.SequenceLockKey("KP"))
}

type line struct {
	ItemId   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type order struct {
	SellerId string `json:"seller_id" validate:"required"`
	Items    []line `json:"items" validate:"required,min=1,dive"`
}

func TestValidateInput(t *testing.T) {
	assert.Nil(t, utils.ValidateInput(&order{SellerId: "S1", Items: []line{{ItemId: "K5", Quantity: 1}}}))

	fields := utils.ValidateInput(&order{Items: []line{{Quantity: 0}}})
	assert.Equal(t, map[string]string{
		"seller_id":         "required",
		"items[0].item_id":  "required",
		"items[0].quantity": "gt",
	}, fields)
}

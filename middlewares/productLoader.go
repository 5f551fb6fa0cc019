package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/purchases_backend/models"
	"gorm.io/gorm"
)

type productReader struct {
	db *gorm.DB
}

func (r *productReader) getProducts(ctx context.Context, itemIds []string) []*dataloader.Result[*models.Product] {
	var results []models.Product
	err := r.db.WithContext(ctx).Where("item_id IN ?", itemIds).Find(&results).Error
	if err != nil {
		return handleError[*models.Product](len(itemIds), err)
	}
	return generateLoaderResults(results, itemIds, func(p *models.Product) string { return p.ItemId })
}

// GetProducts returns nil entries for items without a product.
func GetProducts(ctx context.Context, itemIds []string) ([]*models.Product, []error) {
	loaders := For(ctx)
	return loaders.productLoader.LoadMany(ctx, itemIds)()
}

type sellerPaymentReader struct {
	db *gorm.DB
}

func (r *sellerPaymentReader) getSellerPayments(ctx context.Context, sellerIds []string) []*dataloader.Result[*models.SellerPayment] {
	var results []models.SellerPayment
	err := r.db.WithContext(ctx).Where("seller_id IN ?", sellerIds).Find(&results).Error
	if err != nil {
		return handleError[*models.SellerPayment](len(sellerIds), err)
	}
	return generateLoaderResults(results, sellerIds, func(sp *models.SellerPayment) string { return sp.SellerId })
}

// GetSellerPayment loads the ledger header only; billings are not preloaded.
func GetSellerPayment(ctx context.Context, sellerId string) (*models.SellerPayment, error) {
	loaders := For(ctx)
	return loaders.sellerPaymentLoader.Load(ctx, sellerId)()
}

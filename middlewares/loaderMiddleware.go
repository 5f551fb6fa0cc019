package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-key reads a response needs, one set per request.
type Loaders struct {
	productLoader       *dataloader.Loader[string, *models.Product]
	sellerPaymentLoader *dataloader.Loader[string, *models.SellerPayment]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	productReader := &productReader{db: conn}
	sellerPaymentReader := &sellerPaymentReader{db: conn}
	return &Loaders{
		productLoader:       dataloader.NewBatchedLoader(productReader.getProducts, dataloader.WithWait[string, *models.Product](time.Millisecond)),
		sellerPaymentLoader: dataloader.NewBatchedLoader(sellerPaymentReader.getSellerPayments, dataloader.WithWait[string, *models.SellerPayment](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := WithLoaders(c.Request.Context(), loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}

// For returns the request's loaders, or a fresh set on the global connection outside a request.
func For(ctx context.Context) *Loaders {
	if loaders, ok := ctx.Value(loadersKey).(*Loaders); ok {
		return loaders
	}
	return NewLoaders(config.GetDB())
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders rows by the requested keys. Keys without a row get nil data.
func generateLoaderResults[T any](results []T, keys []string, keyOf func(*T) string) []*dataloader.Result[*T] {
	resultMap := make(map[string]*T, len(results))
	for i := range results {
		resultMap[keyOf(&results[i])] = &results[i]
	}
	loaderResults := make([]*dataloader.Result[*T], 0, len(keys))
	for _, key := range keys {
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: resultMap[key]})
	}
	return loaderResults
}

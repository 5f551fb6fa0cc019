package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/middlewares"
	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/mmdatafocus/purchases_backend/workflow"
	"github.com/shopspring/decimal"
)

// statusFor maps the reconciliation error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		body["fields"] = ve.Fields
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		if models.IsInvariantViolation(err) {
			body["error"] = "ledger invariant violated"
		} else {
			body["error"] = "internal error"
		}
	}
	c.JSON(status, body)
}

func bindJSON(c *gin.Context, input any) bool {
	if err := c.ShouldBindJSON(input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func intParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func createPurchaseHandler(c *gin.Context) {
	var input models.NewPurchase
	if !bindJSON(c, &input) {
		return
	}
	purchase, err := models.CreatePurchase(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase_id": purchase.PurchaseId, "data": purchase})
}

func updatePurchaseHandler(c *gin.Context) {
	var input models.NewPurchase
	if !bindJSON(c, &input) {
		return
	}
	purchase, err := models.UpdatePurchase(c.Request.Context(), c.Param("purchaseId"), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": purchase})
}

func deletePurchaseHandler(c *gin.Context) {
	if err := models.DeletePurchase(c.Request.Context(), c.Param("purchaseId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// purchaseView is a purchase with the current stock of its items and its seller's ledger totals.
type purchaseView struct {
	*models.Purchase
	Stock        map[string]decimal.Decimal `json:"stock"`
	SellerLedger *models.LedgerTotals       `json:"seller_ledger,omitempty"`
}

func getPurchaseHandler(c *gin.Context) {
	ctx := c.Request.Context()
	purchase, err := models.GetPurchase(ctx, c.Param("purchaseId"))
	if err != nil {
		respondError(c, err)
		return
	}
	itemIds := make([]string, 0, len(purchase.Items))
	for _, item := range purchase.Items {
		itemIds = append(itemIds, item.ItemId)
	}
	view := purchaseView{Purchase: purchase, Stock: map[string]decimal.Decimal{}}
	var products []*models.Product
	var errs []error
	if len(itemIds) > 0 {
		products, errs = middlewares.GetProducts(ctx, itemIds)
	}
	for i, product := range products {
		if i < len(errs) && errs[i] != nil {
			respondError(c, errs[i])
			return
		}
		if product != nil {
			view.Stock[product.ItemId] = product.CountInStock
		}
	}
	sp, err := middlewares.GetSellerPayment(ctx, purchase.SellerId)
	if err != nil {
		respondError(c, err)
		return
	}
	if sp != nil {
		view.SellerLedger = &sp.LedgerTotals
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func listPurchasesHandler(c *gin.Context) {
	purchases, err := models.ListPurchases(c.Request.Context(), c.Query("seller_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": purchases})
}

func createReturnHandler(c *gin.Context) {
	var input models.NewReturn
	if !bindJSON(c, &input) {
		return
	}
	ret, err := models.CreateReturn(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": ret})
}

func listReturnsHandler(c *gin.Context) {
	returns, err := models.ListReturns(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": returns})
}

func deleteReturnHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	if err := models.DeleteReturn(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func createDamageHandler(c *gin.Context) {
	var input models.NewDamage
	if !bindJSON(c, &input) {
		return
	}
	damage, err := models.CreateDamage(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": damage})
}

func listDamagesHandler(c *gin.Context) {
	damages, err := models.ListDamages(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": damages})
}

func deleteDamageHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	if err := models.DeleteDamage(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func createTransportPaymentHandler(c *gin.Context) {
	var input models.NewTransportPayment
	if !bindJSON(c, &input) {
		return
	}
	tp, err := models.CreateTransportPayment(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": tp})
}

func listTransportPaymentsHandler(c *gin.Context) {
	results, err := models.GetTransportPayments(c.Request.Context(), c.Query("name"), models.TransportType(strings.TrimSpace(c.Query("type"))))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}

func getTransportPaymentHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	tp, err := models.GetTransportPayment(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tp})
}

func updateTransportPaymentHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.TransportLedgerUpdate
	if !bindJSON(c, &input) {
		return
	}
	tp, err := models.UpdateTransportPaymentLedger(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tp})
}

func addTransportPaymentHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.NewTransportPaymentEntry
	if !bindJSON(c, &input) {
		return
	}
	if _, err := models.AddTransportPayment(c.Request.Context(), id, &input); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func addTransportBillingHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.NewTransportBilling
	if !bindJSON(c, &input) {
		return
	}
	if _, err := models.AddTransportBilling(c.Request.Context(), id, &input); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func deleteTransportPaymentHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	if err := models.DeleteTransportPayment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func createPaymentsAccountHandler(c *gin.Context) {
	var input models.NewPaymentsAccount
	if !bindJSON(c, &input) {
		return
	}
	account, err := models.CreatePaymentsAccount(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": account})
}

func listPaymentsAccountsHandler(c *gin.Context) {
	accounts, err := models.ListPaymentsAccounts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": accounts})
}

func getPaymentsAccountHandler(c *gin.Context) {
	account, err := models.GetPaymentsAccount(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func getProductHandler(c *gin.Context) {
	product, err := models.GetProductByItemId(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": product})
}

// getLowStockProductsHandler lists products below the low-stock threshold. ?limit=N caps the list.
func getLowStockProductsHandler(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	products, err := models.ListLowStockProducts(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": products})
}

func getSellerPaymentHandler(c *gin.Context) {
	sp, err := models.GetSellerPayment(c.Request.Context(), c.Param("sellerId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sp})
}

type outboxRequeueRequest struct {
	RecordIds []int `json:"record_ids"`
}

// outboxRequeueHandler puts DEAD ledger events back in the queue. An empty list requeues all of them.
func outboxRequeueHandler(c *gin.Context) {
	if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req outboxRequeueRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	db := config.GetDB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
		return
	}
	n, err := workflow.RequeueDead(c.Request.Context(), db, req.RecordIds...)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n, "publish_status": models.OutboxPublishStatusPending})
}

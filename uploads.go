package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/mmdatafocus/purchases_backend/models"
	"github.com/mmdatafocus/purchases_backend/utils"
	"github.com/sirupsen/logrus"
)

const maxImportSizeBytes int64 = 5 * 1024 * 1024

const xlsxMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var importMimeTypes = map[string]bool{
	xlsxMimeType:               true,
	"application/octet-stream": true,
}

// importPurchaseItemsHandler parses an uploaded xlsx into purchase line items for the client to review.
// Nothing is written to the ledgers. With GCS_BUCKET set the file is archived first.
func importPurchaseItemsHandler(c *gin.Context) {
	logger := config.GetLogger()
	requestID := requestIDFromHeaders(c)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	if header.Size > maxImportSizeBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".xlsx" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .xlsx files are supported"})
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType != "" && !importMimeTypes[mimeType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxImportSizeBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
		return
	}
	if int64(len(data)) > maxImportSizeBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
		return
	}

	items, err := models.ParsePurchaseItems(bytes.NewReader(data))
	if err != nil {
		respondError(c, err)
		return
	}

	var objectKey string
	if utils.ImportArchiveEnabled() {
		objectKey = path.Join("purchase-imports", time.Now().UTC().Format("2006-01-02"), uuid.New().String()+ext)
		if err := utils.UploadBytesToGCS(c.Request.Context(), objectKey, data, xlsxMimeType); err != nil {
			// the parse result is still usable; only the archive copy is missing
			logUploadError(logger, err, requestID)
			objectKey = ""
		}
	}

	logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"file_name":  header.Filename,
		"rows":       len(items),
		"object_key": objectKey,
	}).Info("[import.purchase_items]")

	c.JSON(http.StatusOK, gin.H{"data": items, "object_key": objectKey})
}

func logUploadError(logger *logrus.Logger, err error, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"provider":   "gcs",
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}

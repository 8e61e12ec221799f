package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"retailcore/internal/apperr"
	"retailcore/internal/reporting"
)

func (a *API) handleListProducts(c *gin.Context) {
	products, err := a.service.ListProducts(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleGetProduct(c *gin.Context) {
	product, err := a.service.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

func (a *API) handleCreateProduct(c *gin.Context) {
	var req productRequest
	if err := bindJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	product, err := a.service.CreateProduct(c.Request.Context(), req.toInput())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product": product})
}

func (a *API) handleUpdateProduct(c *gin.Context) {
	var req productRequest
	if err := bindJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	product, err := a.service.UpdateProduct(c.Request.Context(), c.Param("id"), req.toInput())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

func (a *API) handleDeleteProduct(c *gin.Context) {
	if err := a.service.DeleteProduct(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleRecordTransaction(c *gin.Context) {
	var req transactionRequest
	if err := bindJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}

	result, err := a.service.RecordTransaction(c.Request.Context(), req.toCommand(c.GetHeader("Idempotency-Key")))
	if err != nil {
		a.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(status, gin.H{"transaction": result.Transaction})
}

func (a *API) handleListTransactions(c *gin.Context) {
	registerBindings()
	var raw transactionListQuery
	if err := c.ShouldBindQuery(&raw); err != nil {
		a.writeError(c, bindError(err))
		return
	}
	query, err := raw.toQuery()
	if err != nil {
		a.writeError(c, err)
		return
	}

	page, err := a.service.ListTransactions(c.Request.Context(), query)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *API) handleGetTransaction(c *gin.Context) {
	tx, err := a.service.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (a *API) handleSalesByCategory(c *gin.Context) {
	categories, err := a.service.SalesByCategory(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

func (a *API) handleRevenue(c *gin.Context) {
	revenue, err := a.service.RevenueTotal(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revenue": revenue})
}

func (a *API) handleTrending(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			a.writeError(c, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	trending, err := a.service.TrendingProducts(c.Request.Context(), limit)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": trending})
}

func (a *API) handleSalesOverTime(c *gin.Context) {
	granularity := c.DefaultQuery("granularity", "day")
	buckets, err := a.service.SalesOverTime(c.Request.Context(), granularity)
	if err != nil {
		a.writeError(c, err)
		return
	}
	parsed, _ := reporting.ParseGranularity(granularity)
	c.JSON(http.StatusOK, gin.H{"granularity": parsed, "buckets": buckets})
}

func (a *API) handleSalesByEmployee(c *gin.Context) {
	employees, err := a.service.SalesByEmployee(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"employees": employees})
}

func (a *API) handleOverview(c *gin.Context) {
	overview, err := a.service.Overview(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

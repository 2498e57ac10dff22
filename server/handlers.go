package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ineyio/inferbill"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type confirmBody struct {
	Message       string          `json:"message"`
	Model         string          `json:"model"`
	EstimatedCost decimal.Decimal `json:"estimatedCost"`
}

type rechargeBody struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (s *Server) confirm(c *gin.Context) {
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, inferbill.NewError(inferbill.KindBadInput, "invalid JSON body", err))
		return
	}

	res, err := s.gateway.Confirm(c.Request.Context(), inferbill.ConfirmRequest{
		Identity:      Identity(c),
		Message:       body.Message,
		Model:         body.Model,
		EstimatedCost: body.EstimatedCost,
		Transport:     inferbill.TransportSync,
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) wallet(c *gin.Context) {
	w, err := s.gateway.Ledger().Balance(c.Request.Context(), Identity(c))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) transactions(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abort(c, inferbill.NewError(inferbill.KindBadInput, "limit must be a positive integer", err))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	txs, err := s.gateway.Ledger().History(c.Request.Context(), Identity(c), limit)
	if err != nil {
		abort(c, err)
		return
	}
	if txs == nil {
		txs = []inferbill.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (s *Server) recharge(c *gin.Context) {
	var body rechargeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, inferbill.NewError(inferbill.KindBadInput, "invalid JSON body", err))
		return
	}
	if !body.Amount.IsPositive() {
		abort(c, inferbill.NewError(inferbill.KindBadInput, "amount must be positive", inferbill.ErrInvalidAmount))
		return
	}

	res, err := s.gateway.Ledger().Credit(c.Request.Context(), c.Param("identity"), body.Amount, inferbill.ReasonRecharge, body.Reference)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"transactionId": res.TransactionID,
		"identity":      res.Identity,
		"amount":        res.Amount,
		"newBalance":    res.Balance,
		"currency":      res.Currency,
		"correlationId": inferbill.CorrelationID(c.Request.Context()),
	})
}

func (s *Server) reconcile(c *gin.Context) {
	r, err := s.gateway.Ledger().Reconcile(c.Request.Context(), c.Param("identity"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity": r.Identity,
		"balance":  r.Balance,
		"expected": r.Expected,
		"drift":    r.Drift,
		"balanced": r.Balanced(),
	})
}

// health always answers 200; a degraded upstream leaves the other models usable.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Health())
}

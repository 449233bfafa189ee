package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	"github.com/opsfield/opsfield/pkg/db/pagination"
)

func (s *Server) OrgWallet(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	wallet, err := s.walletSvc.GetOrCreate(c.Request.Context(), walletdomain.OwnerOrg, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":  wallet.Balance,
		"currency": wallet.Currency,
	})
}

func (s *Server) ContractorWallet(c *gin.Context) {
	userID, err := snowflake.ParseString(strings.TrimSpace(c.GetHeader(HeaderUserID)))
	if err != nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	wallet, err := s.walletSvc.GetOrCreate(c.Request.Context(), walletdomain.OwnerContractor, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":       wallet.Balance,
		"bonus_balance": wallet.BonusBalance,
		"total":         wallet.Balance + wallet.BonusBalance,
		"currency":      wallet.Currency,
	})
}

func (s *Server) OrgWalletTransactions(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	wallet, err := s.walletSvc.GetOrCreate(c.Request.Context(), walletdomain.OwnerOrg, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries, info, err := s.walletSvc.Transactions(c.Request.Context(), wallet.ID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"page_info":    info,
	})
}

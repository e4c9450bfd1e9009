package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ziyixi/quotaguard/quota"
	"github.com/ziyixi/quotaguard/utils"
)

// QuotaReporter is the read side of the shared quota served over HTTP
type QuotaReporter interface {
	Snapshot(ctx context.Context) ([]quota.ModelUsage, error)
	Tier() string
	Tiers() quota.TierConfig
}

func quotaMiddleware(reporter QuotaReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(utils.KeyQuota, reporter)
		c.Next()
	}
}

// HandleHealth reports whether the quota state can be read
func HandleHealth(c *gin.Context) {
	reporter := c.MustGet(utils.KeyQuota).(QuotaReporter)
	if _, err := reporter.Snapshot(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "commit": GitCommit})
}

// HandleQuota returns the usage of every model in the active tier
func HandleQuota(c *gin.Context) {
	reporter := c.MustGet(utils.KeyQuota).(QuotaReporter)
	usage, err := reporter.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error in reading quota state": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": reporter.Tier(), "models": usage})
}

// HandleModelQuota returns the usage of one model in the active tier
func HandleModelQuota(c *gin.Context) {
	reporter := c.MustGet(utils.KeyQuota).(QuotaReporter)
	model := c.Param("model")

	usage, err := reporter.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error in reading quota state": err.Error()})
		return
	}
	for _, u := range usage {
		if u.Model == model {
			c.JSON(http.StatusOK, gin.H{"tier": reporter.Tier(), "usage": u})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no limits configured for model " + model + " in tier " + reporter.Tier()})
}

// HandleTiers returns the whole tier table and the active tier
func HandleTiers(c *gin.Context) {
	reporter := c.MustGet(utils.KeyQuota).(QuotaReporter)
	c.JSON(http.StatusOK, gin.H{"active": reporter.Tier(), "tiers": reporter.Tiers()})
}

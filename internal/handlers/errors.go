package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/velocab/dispatch-backend/internal/models"
)

// respondError maps domain errors onto HTTP statuses. Anything
// unrecognized is a 500 with a generic message.
func respondError(c *gin.Context, err error) {
	switch err.(type) {
	case *models.ValidationError:
		c.JSON(400, gin.H{"error": err.Error()})
	case *models.NotFoundError:
		c.JSON(404, gin.H{"error": err.Error()})
	case *models.ConflictError:
		c.JSON(409, gin.H{"error": err.Error()})
	case *models.StateError:
		c.JSON(409, gin.H{"error": err.Error()})
	default:
		c.JSON(500, gin.H{"error": "Internal server error"})
	}
}

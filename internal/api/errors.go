package api

import "github.com/gin-gonic/gin"

// Error is the JSON error envelope returned by every handler
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": Error{Message: message, Code: code}})
}

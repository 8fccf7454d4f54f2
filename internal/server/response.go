package server

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type errorResponse struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func newErrorResponse(c *gin.Context, statusCode int, message string) {
	logrus.WithFields(logrus.Fields{
		"status":     statusCode,
		"path":       c.FullPath(),
		"request_id": c.GetString(requestIDKey),
	}).Error(message)
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: message, RequestID: c.GetString(requestIDKey)})
}

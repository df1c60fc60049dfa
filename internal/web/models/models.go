package models

import (
	"ohbridge/internal/models"
	"ohbridge/internal/status"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CommandRequest is the body of the item state and command routes
type CommandRequest struct {
	Value string `json:"value" binding:"required"`
}

type StatusResponse struct {
	Connection status.Display            `json:"connection"`
	Nodes      map[string]status.Display `json:"nodes"`
	Failed     map[string]string         `json:"failed,omitempty"`
}

type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
}

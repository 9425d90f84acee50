package api

import (
	"msg_client/client/common/transport/httpresp"
	"msg_client/client/sync/domain"
)

const (
	ErrConversationRequired = httpresp.ErrConversationRequired
	ErrConversationNotOpen  = httpresp.ErrConversationNotOpen
	ErrBodyRequired         = httpresp.ErrBodyRequired
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

type HealthResponse struct {
	Status string `json:"status"`
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

type StatusResponse struct {
	ConnState domain.ConnState `json:"conn_state"`
	UserID    string           `json:"user_id"`
}

type ConversationListResponse struct {
	Items []domain.ConversationSummary `json:"items"`
}

type SendMessageRequest struct {
	Body           string `json:"body"`
	AttachmentPath string `json:"attachment_path,omitempty"`
}

type SendMessageResponse struct {
	Message domain.Message `json:"message"`
}

package httpresp

const (
	ErrMissingBearerToken   = "bearer token is required"
	ErrInvalidToken         = "invalid token"
	ErrConversationRequired = "conversation_id required"
	ErrConversationNotOpen  = "conversation is not open"
	ErrBodyRequired         = "body required"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type IDResponse struct {
	ID string `json:"id"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewIDResponse(id string) IDResponse {
	return IDResponse{ID: id}
}

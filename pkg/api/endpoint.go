package api

import (
	"net/http"
	"net/url"
	"strconv"
)

const (
	sendPath    = "/conversations/message/send"
	resumePath  = "/conversations/message/resume"
	listPath    = "/conversations/list"
	historyPath = "/conversations/history"
)

// Endpoint describes one backend request
type Endpoint struct {
	Path         string
	Method       string
	Query        url.Values
	Body         interface{}
	RequiresAuth bool

	// Throttled requests wait on the resume limiter
	Throttled bool
}

// SendRequest starts a turn. An empty ConversationID starts a new conversation.
type SendRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	UserInput      string `json:"user_input,omitempty"`
}

// ResumeRequest continues an interrupted turn after LastDataID
type ResumeRequest struct {
	ConversationID string `json:"conversation_id"`
	LastDataID     string `json:"last_data_id,omitempty"`
}

func SendEndpoint(req SendRequest) Endpoint {
	return Endpoint{
		Path:         sendPath,
		Method:       http.MethodPost,
		Body:         req,
		RequiresAuth: true,
	}
}

func ResumeEndpoint(req ResumeRequest) Endpoint {
	return Endpoint{
		Path:         resumePath,
		Method:       http.MethodPost,
		Body:         req,
		RequiresAuth: true,
		Throttled:    true,
	}
}

// ListEndpoint pages conversations; zero values leave the parameter out
func ListEndpoint(limit, offset int) Endpoint {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	return Endpoint{
		Path:         listPath,
		Method:       http.MethodGet,
		Query:        query,
		RequiresAuth: true,
	}
}

func HistoryEndpoint(conversationID string) Endpoint {
	return Endpoint{
		Path:         historyPath,
		Method:       http.MethodGet,
		Query:        url.Values{"id": []string{conversationID}},
		RequiresAuth: true,
	}
}

func DeleteEndpoint(conversationID string) Endpoint {
	return Endpoint{
		Path:         "/conversations/" + url.PathEscape(conversationID),
		Method:       http.MethodDelete,
		RequiresAuth: true,
	}
}

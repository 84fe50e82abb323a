package api

import (
	"context"
	"errors"
	"io"
)

// SendMessage opens the stream for a new turn
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	return c.OpenStream(ctx, SendEndpoint(req))
}

// ResumeConversation reopens the stream of an interrupted turn
func (c *Client) ResumeConversation(ctx context.Context, req ResumeRequest) (io.ReadCloser, error) {
	if req.ConversationID == "" {
		return nil, errMissingConversationID
	}
	return c.OpenStream(ctx, ResumeEndpoint(req))
}

// IsTransportError reports whether err came from the network or the server
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/killallgit/thrive/pkg/api"
	"github.com/killallgit/thrive/pkg/chat"
)

// StreamScript describes what a fake stream delivers
type StreamScript struct {
	Frames []string

	// OpenErr fails the request before any frame is sent
	OpenErr error

	// FailAfter breaks the stream with Err after that many frames (0 = no failure)
	FailAfter int
	Err       error

	// ChunkDelay is slept between frames
	ChunkDelay time.Duration

	// Hold keeps the stream open after the last frame until the request is cancelled
	Hold bool
}

// Body returns a reader that plays the script. Closing it stops playback.
func (s StreamScript) Body(ctx context.Context) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		for i, frame := range s.Frames {
			if s.FailAfter > 0 && i == s.FailAfter {
				pw.CloseWithError(s.streamErr())
				return
			}
			if s.ChunkDelay > 0 {
				select {
				case <-time.After(s.ChunkDelay):
				case <-ctx.Done():
					pw.CloseWithError(ctx.Err())
					return
				}
			}
			if _, err := pw.Write([]byte(frame)); err != nil {
				return
			}
		}

		if s.FailAfter > 0 && s.FailAfter >= len(s.Frames) {
			pw.CloseWithError(s.streamErr())
			return
		}
		if s.Hold {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
			return
		}
		pw.Close()
	}()

	return pr
}

func (s StreamScript) streamErr() error {
	if s.Err != nil {
		return s.Err
	}
	return io.ErrUnexpectedEOF
}

// FakeTransport is an in-memory conversation backend. Stream scripts are
// consumed in order; an exhausted queue yields an empty stream.
type FakeTransport struct {
	mu sync.Mutex

	sendScripts   []StreamScript
	resumeScripts []StreamScript

	SendRequests   []api.SendRequest
	ResumeRequests []api.ResumeRequest
	Deleted        []string

	Conversations []api.Conversation
	History       map[string][]chat.Message

	ListErr    error
	HistoryErr error
	DeleteErr  error
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{History: make(map[string][]chat.Message)}
}

func (f *FakeTransport) EnqueueSend(script StreamScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendScripts = append(f.sendScripts, script)
}

func (f *FakeTransport) EnqueueResume(script StreamScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeScripts = append(f.resumeScripts, script)
}

func (f *FakeTransport) SendMessage(ctx context.Context, req api.SendRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.SendRequests = append(f.SendRequests, req)
	script := pop(&f.sendScripts)
	f.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}
	return script.Body(ctx), nil
}

func (f *FakeTransport) ResumeConversation(ctx context.Context, req api.ResumeRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.ResumeRequests = append(f.ResumeRequests, req)
	script := pop(&f.resumeScripts)
	f.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}
	return script.Body(ctx), nil
}

func (f *FakeTransport) ListConversations(ctx context.Context, limit, offset int) ([]api.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	if offset >= len(f.Conversations) {
		return []api.Conversation{}, nil
	}
	page := f.Conversations[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	return append([]api.Conversation(nil), page...), nil
}

func (f *FakeTransport) GetConversationHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}

	msgs, ok := f.History[conversationID]
	if !ok {
		return nil, &api.TransportError{StatusCode: 404, Message: "Conversation not found"}
	}
	result := make([]chat.Message, len(msgs))
	for i, msg := range msgs {
		result[i] = msg.Clone()
	}
	return result, nil
}

func (f *FakeTransport) DeleteConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if conversationID == "" {
		return errors.New("conversation id is required")
	}

	f.Deleted = append(f.Deleted, conversationID)
	delete(f.History, conversationID)
	return nil
}

// Sends returns a copy of the recorded send requests
func (f *FakeTransport) Sends() []api.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.SendRequest(nil), f.SendRequests...)
}

// Resumes returns a copy of the recorded resume requests
func (f *FakeTransport) Resumes() []api.ResumeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ResumeRequest(nil), f.ResumeRequests...)
}

func pop(queue *[]StreamScript) StreamScript {
	if len(*queue) == 0 {
		return StreamScript{}
	}
	script := (*queue)[0]
	*queue = (*queue)[1:]
	return script
}

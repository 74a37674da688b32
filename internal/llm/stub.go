package llm

import (
	"context"
	"sync"
)

// Stub is an Invoker returning canned responses in order, for tests and
// dry runs. Once the queue drains the last response repeats.
type Stub struct {
	mu        sync.Mutex
	responses []Response
	err       error
	requests  []Request
}

// NewStub builds a stub that plays back the given responses.
func NewStub(responses ...Response) *Stub {
	return &Stub{responses: responses}
}

// Fail makes every Complete call return err.
func (s *Stub) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Complete implements Invoker.
func (s *Stub) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return Response{}, s.err
	}
	if len(s.responses) == 0 {
		return Response{Text: "REASONING: nothing to do\nCONFIDENCE: 0.1"}, nil
	}
	r := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return r, nil
}

// Requests returns a copy of every request seen so far.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

package llm

import "context"

// StubClient is a deterministic in-memory ChatClient for tests and
// offline runs. The Respond func receives the full request; when nil,
// every call returns Canned.
type StubClient struct {
	Canned  string
	Respond func(ctx context.Context, req ChatRequest) (string, error)
}

// ChatCompletion returns the stubbed response.
func (s *StubClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if s.Respond != nil {
		content, err := s.Respond(ctx, req)
		if err != nil {
			return nil, err
		}
		return &ChatResponse{Content: content}, nil
	}
	return &ChatResponse{Content: s.Canned}, nil
}

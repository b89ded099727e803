package llm

import "context"

// MockChatClient is a test double for ChatClient.
type MockChatClient struct {
	Response string
	Err      error
	Prompts  []string
}

var _ ChatClient = (*MockChatClient)(nil)

func (m *MockChatClient) Complete(_ context.Context, _ string, prompt string) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

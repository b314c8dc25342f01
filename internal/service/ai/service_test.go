package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaichat/internal/config"
	"kaichat/internal/models"
)

type fakeChatModel struct {
	reply string
	err   error
	input []*schema.Message
	opts  []model.Option
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.input = input
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestReplyBuildsPromptAndOptions(t *testing.T) {
	fake := &fakeChatModel{reply: "hey there"}
	svc := NewWithModel(fake, "fake", config.ProviderConfig{}, nil)
	history := []*models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleModel, Content: "hello"},
	}

	got := svc.Reply(context.Background(), history, "persona", "how are you?")
	assert.Equal(t, "hey there", got)

	require.Len(t, fake.input, 4)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Equal(t, schema.User, fake.input[1].Role)
	assert.Equal(t, schema.Assistant, fake.input[2].Role)
	assert.Equal(t, "how are you?", fake.input[3].Content)

	opts := model.GetCommonOptions(nil, fake.opts...)
	require.NotNil(t, opts.Temperature)
	assert.InDelta(t, 0.7, *opts.Temperature, 0.0001)
	require.NotNil(t, opts.MaxTokens)
	assert.Equal(t, 500, *opts.MaxTokens)
}

func TestReplyPlaceholders(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "http 429", err: errors.New("googleapi: Error 429: Too Many Requests"), want: RateLimitReply},
		{name: "quota", err: errors.New("Quota exceeded for model"), want: RateLimitReply},
		{name: "resource exhausted", err: errors.New("rpc error: code = RESOURCE_EXHAUSTED"), want: RateLimitReply},
		{name: "network", err: errors.New("dial tcp: connection refused"), want: OfflineReply("ping")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewWithModel(&fakeChatModel{err: tc.err}, "fake", config.ProviderConfig{}, nil)
			assert.Equal(t, tc.want, svc.Reply(context.Background(), nil, "persona", "ping"))
		})
	}
	assert.Contains(t, OfflineReply("ping"), `"ping"`)
}

func TestParseFacts(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{name: "plain", in: `["User loves sushi", "User lives in Mumbai"]`, want: []string{"User loves sushi", "User lives in Mumbai"}},
		{name: "fenced", in: "```json\n[\"User is learning Go\"]\n```", want: []string{"User is learning Go"}},
		{name: "chatter around array", in: "Sure! Here you go: [\"User has a dog\"] Hope it helps", want: []string{"User has a dog"}},
		{name: "empty array", in: "[]", want: []string{}},
		{name: "non strings dropped", in: `["a", 1, null, " "]`, want: []string{"a"}},
		{name: "not json", in: "no facts today", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFacts(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractFactsUsesConversation(t *testing.T) {
	fake := &fakeChatModel{reply: "```json\n[\"User likes jazz\"]\n```"}
	svc := NewWithModel(fake, "fake", config.ProviderConfig{}, nil)

	facts, err := svc.ExtractFacts(context.Background(), []*models.Message{
		{Role: models.RoleUser, Content: "I listen to jazz every night"},
		{Role: models.RoleModel, Content: "Nice taste"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"User likes jazz"}, facts)
	require.Len(t, fake.input, 1)
	assert.Contains(t, fake.input[0].Content, "user: I listen to jazz every night\nmodel: Nice taste")

	fake.err = errors.New("boom")
	_, err = svc.ExtractFacts(context.Background(), nil)
	assert.Error(t, err)
}

func TestSystemPrompt(t *testing.T) {
	prompt := SystemPrompt(&models.User{Username: "kim", Facts: []string{"likes tea", "has a cat"}})
	assert.Contains(t, prompt, "The User's Name: kim")
	assert.Contains(t, prompt, "likes tea\nhas a cat")

	assert.Contains(t, SystemPrompt(&models.User{Name: "Kimberly", Username: "kim"}), "The User's Name: Kimberly")
	assert.Contains(t, SystemPrompt(nil), "The User's Name: friend")
	assert.True(t, strings.HasPrefix(SystemPrompt(nil), "You are Kai."))
}

func TestFallback(t *testing.T) {
	var fb Fallback
	assert.Equal(t, OfflineReply("hello"), fb.Reply(context.Background(), nil, "", "hello"))
	facts, err := fb.ExtractFacts(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, facts)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), "mystery", config.ProviderConfig{}, nil)
	assert.Error(t, err)
}

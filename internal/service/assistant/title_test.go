package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	reply  string
	err    error
	prompt string
}

func (m *stubModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if len(input) > 0 {
		m.prompt = input[len(input)-1].Content
	}
	if m.err != nil {
		return nil, m.err
	}
	return &schema.Message{Role: schema.Assistant, Content: m.reply}, nil
}

func (m *stubModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestFallbackTitle(t *testing.T) {
	require.Equal(t, "one two three", FallbackTitle("one two three"))
	require.Equal(t, "a b c d e f", FallbackTitle("a  b c\td e f"))
	require.Equal(t, "a b c d e f...", FallbackTitle("a b c d e f g"))
	require.Equal(t, "", FallbackTitle("   "))
}

func TestGenerateTitleUsesModel(t *testing.T) {
	m := &stubModel{reply: "  \"Planning a Trip to Rome\"\n"}
	gen := NewTitleGenerator(m)

	title := gen.GenerateTitle(context.Background(), "help me plan a trip to rome")
	require.Equal(t, "Planning a Trip to Rome", title)
	require.Contains(t, m.prompt, `starts with: "help me plan a trip to rome"`)
	require.Contains(t, m.prompt, "max 6 words")
}

func TestGenerateTitleFallsBack(t *testing.T) {
	text := "what is the capital city of france today"
	want := "what is the capital city of..."

	require.Equal(t, want, NewTitleGenerator(&stubModel{err: errors.New("boom")}).GenerateTitle(context.Background(), text))
	require.Equal(t, want, NewTitleGenerator(&stubModel{reply: "  "}).GenerateTitle(context.Background(), text))
	require.Equal(t, want, NewTitleGenerator(nil).GenerateTitle(context.Background(), text))

	var nilGen *TitleGenerator
	require.Equal(t, "short", nilGen.GenerateTitle(context.Background(), "short"))
}

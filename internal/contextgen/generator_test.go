package contextgen

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/collaborator"
	"github.com/drfirst/go-pafill/internal/domain/form"
)

func testSchema() *form.Schema {
	return &form.Schema{
		FormVersion: "v1",
		Fields: []form.FieldDescriptor{
			{ID: "member_name", Label: "Member Name", Kind: form.KindText, Page: 1},
			{ID: "urgent", Label: "Urgent review", Kind: form.KindCheckbox, Page: 1},
			{ID: "dob", Label: "Date of Birth", Kind: form.KindDate, Page: 2},
		},
	}
}

func echoGenerator(calls *int32) collaborator.GeneratorFunc {
	return func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		atomic.AddInt32(calls, 1)
		return &collaborator.Response{
			Question:        "What is the patient's " + strings.ToLower(req.FieldLabel) + "?",
			ClinicalContext: "Identifies the patient for the payer.",
		}, nil
	}
}

func TestGenerate_OnePerFieldInSchemaOrder(t *testing.T) {
	var calls int32
	g := New(echoGenerator(&calls), nil, nil)

	contexts, err := g.Generate(context.Background(), testSchema(), 2)
	require.NoError(t, err)
	require.Len(t, contexts, 3)
	assert.Equal(t, "member_name", contexts[0].FieldID)
	assert.Equal(t, "dob", contexts[2].FieldID)
	assert.False(t, contexts[0].Degraded)
	assert.Equal(t, int32(3), calls)
}

func TestGenerate_CachedPerFormVersion(t *testing.T) {
	var calls int32
	g := New(echoGenerator(&calls), nil, nil)
	schema := testSchema()

	_, err := g.Generate(context.Background(), schema, 1)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), schema, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)

	other := testSchema()
	other.FormVersion = "v2"
	_, err = g.Generate(context.Background(), other, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(6), calls)

	g.Forget("v1")
	_, err = g.Generate(context.Background(), schema, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(9), calls)
}

func TestContext_ConcurrentRequestsShareOneCall(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	gen := collaborator.GeneratorFunc(func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &collaborator.Response{Question: "Q?"}, nil
	})
	g := New(gen, nil, nil)
	schema := testSchema()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fc, err := g.Context(context.Background(), schema, schema.Fields[0])
			assert.NoError(t, err)
			assert.Equal(t, "Q?", fc.Question)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
}

func TestContext_TimeoutFallsBackToTemplate(t *testing.T) {
	gen := collaborator.GeneratorFunc(func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		return nil, collaborator.ErrTimeout
	})
	g := New(gen, nil, nil)
	schema := testSchema()

	fc, err := g.Context(context.Background(), schema, schema.Fields[1])
	require.NoError(t, err)
	assert.True(t, fc.Degraded)
	assert.Contains(t, fc.Question, "Urgent review")
	assert.NotEmpty(t, fc.ClinicalContext)
}

func TestContext_EmptyQuestionFallsBack(t *testing.T) {
	gen := collaborator.GeneratorFunc(func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		return &collaborator.Response{ClinicalContext: "x"}, nil
	})
	g := New(gen, nil, nil)
	schema := testSchema()

	fc, err := g.Context(context.Background(), schema, schema.Fields[0])
	require.NoError(t, err)
	assert.True(t, fc.Degraded)
}

func TestContext_DegradedIsNotCached(t *testing.T) {
	var calls int32
	gen := collaborator.GeneratorFunc(func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, collaborator.ErrUnavailable
		}
		return &collaborator.Response{Question: "Q?"}, nil
	})
	g := New(gen, nil, nil)
	schema := testSchema()

	first, err := g.Context(context.Background(), schema, schema.Fields[0])
	require.NoError(t, err)
	assert.True(t, first.Degraded)

	second, err := g.Context(context.Background(), schema, schema.Fields[0])
	require.NoError(t, err)
	assert.False(t, second.Degraded)
}

func TestGenerate_TerminalErrorFails(t *testing.T) {
	gen := collaborator.GeneratorFunc(func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		return nil, collaborator.ErrUnauthorized
	})
	g := New(gen, nil, nil)

	_, err := g.Generate(context.Background(), testSchema(), 1)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
}

func TestContext_ClinicalContextIsBounded(t *testing.T) {
	long := strings.Repeat("word ", 60)
	gen := collaborator.GeneratorFunc(func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		return &collaborator.Response{Question: "Q?", ClinicalContext: long}, nil
	})
	g := New(gen, nil, nil)
	schema := testSchema()

	fc, err := g.Context(context.Background(), schema, schema.Fields[0])
	require.NoError(t, err)
	assert.Len(t, strings.Fields(fc.ClinicalContext), maxContextWords)
}

func TestFallback_ByKind(t *testing.T) {
	choice := form.FieldDescriptor{ID: "state", Label: "State", Kind: form.KindChoice, Constraints: form.Constraints{Options: []string{"NY", "NJ"}}}
	assert.Contains(t, Fallback(choice).Question, "NY, NJ")

	date := form.FieldDescriptor{ID: "dob", Label: "Date of Birth", Kind: form.KindDate}
	assert.Contains(t, Fallback(date).Question, "date")
}

func TestContext_PassesPageContext(t *testing.T) {
	var got collaborator.Request
	gen := collaborator.GeneratorFunc(func(ctx context.Context, req collaborator.Request) (*collaborator.Response, error) {
		got = req
		return &collaborator.Response{Question: "Q?"}, nil
	})
	g := New(gen, nil, nil)
	schema := testSchema()

	_, err := g.Context(context.Background(), schema, schema.Fields[0])
	require.NoError(t, err)
	assert.Equal(t, collaborator.PromptContextualize, got.PromptKind)
	assert.Equal(t, []string{"Member Name", "Urgent review"}, got.PageContext)
}

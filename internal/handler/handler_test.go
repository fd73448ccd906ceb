package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/answergrader/internal/evaluation"
	appI18n "github.com/pavelanni/answergrader/internal/i18n"
	"github.com/pavelanni/answergrader/internal/llm"
	"github.com/pavelanni/answergrader/internal/model"
	"github.com/pavelanni/answergrader/internal/queue"
	"github.com/pavelanni/answergrader/internal/store"
)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type stubEvaluator struct{ err error }

func (s stubEvaluator) Evaluate(context.Context, string) (*evaluation.Outcome, error) {
	return nil, s.err
}

type testEnv struct {
	router http.Handler
	store  *store.Store
	queue  *fakeQueue
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))
	ctx := context.Background()

	st, err := store.New(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.ImportCatalog(ctx, model.Catalog{
		Exams: []model.Exam{{
			ID: "e1", Name: "Forces",
			Questions: []model.Question{
				{ID: "q1", Text: "State Newton's first law.", MaxMarks: 4},
				{ID: "q2", Text: "Define momentum.", MaxMarks: 10},
			},
		}},
	}))

	client, err := llm.New(llm.Config{})
	require.NoError(t, err)
	svc := evaluation.NewService(st, nil, client, time.Minute)

	q := &fakeQueue{}
	r := chi.NewRouter()
	New(svc, st, q, opts).Routes(r)
	return &testEnv{router: r, store: st, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) submit(t *testing.T) []string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/submissions",
		`{"studentName":"Alice","answers":[{"questionId":"q1","textAnswer":"A body stays at rest"},{"questionId":"q2","textAnswer":"mass times velocity"}]}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[submissionResponse](t, rec).AnswerIDs
}

func TestSubmitQueuesAnswers(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/submissions",
		`{"studentName":"Alice","answers":[{"questionId":"q1","textAnswer":"x"},{"questionId":"q2","textAnswer":"y"}]}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decode[submissionResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Len(t, resp.AnswerIDs, 2)
	assert.Equal(t, 2, resp.Queued)
	assert.Equal(t, "2 answers submitted for evaluation", resp.Message)
	assert.Equal(t, resp.AnswerIDs, env.queue.ids)
}

func TestSubmitQueueFullStillAccepted(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.queue.err = queue.ErrQueueFull

	ids := env.submit(t)
	require.Len(t, ids, 2)
	a, err := env.store.GetAnswer(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.EvaluationNone, a.EvaluationStatus)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	tests := []struct {
		name    string
		body    string
		details string
	}{
		{"malformed", `{"studentName":`, ""},
		{"no name", `{"answers":[{"questionId":"q1","textAnswer":"x"}]}`, "studentName is required"},
		{"no answers", `{"studentName":"Bob","answers":[]}`, "At least one answer is required"},
		{"unknown question", `{"studentName":"Bob","answers":[{"questionId":"q9","textAnswer":"x"}]}`, "Question q9 not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/submissions", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "Invalid request", resp.Error)
			if tt.details != "" {
				assert.Equal(t, tt.details, resp.Details)
			}
		})
	}
	assert.Empty(t, env.queue.ids)
}

func TestSubmitLocalizedMessage(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/submissions",
		`{"studentName":"Ivan","answers":[{"questionId":"q1","textAnswer":"x"}]}`,
		map[string]string{"Accept-Language": "ru"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1 ответ отправлен на оценку", decode[submissionResponse](t, rec).Message)
}

func TestEvaluateWithoutCredentialsDegrades(t *testing.T) {
	env := newTestEnv(t, Options{})
	ids := env.submit(t)

	rec := env.do(t, http.MethodPost, "/api/evaluate-answer", fmt.Sprintf(`{"answerId":%q}`, ids[1]), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EvaluateResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, model.SourceFallbackMissingCredentials, resp.Source)
	assert.Equal(t, 5, resp.Evaluation.Score)
	assert.Equal(t, model.LabelPending, resp.Evaluation.QualitativeLabel)
	assert.Equal(t, "Answer evaluated with limited automatic feedback", resp.Message)

	rec = env.do(t, http.MethodGet, "/api/answers/"+ids[1], "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a := decode[model.SubmittedAnswer](t, rec)
	require.NotNil(t, a.Evaluation)
	assert.Equal(t, resp.Evaluation, *a.Evaluation)
	assert.Equal(t, model.EvaluationDone, a.EvaluationStatus)
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		name    string
		eval    Evaluator
		body    string
		status  int
		wantErr string
	}{
		{"malformed body", nil, `not json`, http.StatusBadRequest, "Invalid request"},
		{"missing id", nil, `{}`, http.StatusBadRequest, "Invalid request"},
		{"not found", stubEvaluator{fmt.Errorf("%w: %w", evaluation.ErrAnswerNotFound, store.ErrNotFound)},
			`{"answerId":"a1"}`, http.StatusNotFound, "Answer not found"},
		{"in progress", stubEvaluator{fmt.Errorf("%w: %w", evaluation.ErrEvaluationInProgress, store.ErrClaimHeld)},
			`{"answerId":"a1"}`, http.StatusConflict, "Evaluation already in progress"},
		{"persistence", stubEvaluator{fmt.Errorf("%w: disk full", evaluation.ErrPersistence)},
			`{"answerId":"a1"}`, http.StatusInternalServerError, "Evaluation failed"},
		{"internal", stubEvaluator{fmt.Errorf("fetch answer: connection reset")},
			`{"answerId":"a1"}`, http.StatusInternalServerError, "Evaluation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, appI18n.Init("en"))
			r := chi.NewRouter()
			New(tt.eval, nil, &fakeQueue{}, Options{}).Routes(r)

			req := httptest.NewRequest(http.MethodPost, "/api/evaluate-answer", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantErr, resp.Error)
			assert.NotEmpty(t, resp.Details)
		})
	}
}

func TestEvaluateUnknownAnswerAgainstStore(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/evaluate-answer", `{"answerId":"missing"}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Answer not found", decode[ErrorResponse](t, rec).Error)
}

func TestReadRoutes(t *testing.T) {
	env := newTestEnv(t, Options{})
	ids := env.submit(t)

	rec := env.do(t, http.MethodGet, "/api/exams/e1/answers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	answers := decode[[]model.SubmittedAnswer](t, rec)
	require.Len(t, answers, 2)
	assert.Equal(t, ids[0], answers[0].ID)
	assert.Equal(t, "q1", answers[0].QuestionID)

	rec = env.do(t, http.MethodGet, "/api/exams/none/answers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/answers/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyGate(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	require.NoError(t, err)
	env := newTestEnv(t, Options{APIKeyHash: hash})

	tests := []struct {
		name   string
		header map[string]string
		status int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusNotFound},
		{"apikey header", map[string]string{"apikey": "s3cret"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/answers/missing", "", tt.header)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	// Submissions stay open.
	env.submit(t)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodOptions, "/api/evaluate-answer", "", map[string]string{
		"Origin":                         "https://app.example.com",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "authorization, x-client-info, apikey, content-type",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodOptions, "/api/evaluate-answer", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "apikey")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	rec = env.do(t, http.MethodGet, "/healthz", "", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOptionsWithRestrictedOrigins(t *testing.T) {
	env := newTestEnv(t, Options{CORSOrigins: []string{"https://school.example.com"}})

	rec := env.do(t, http.MethodOptions, "/api/evaluate-answer", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodOptions, "/api/evaluate-answer", "", map[string]string{
		"Origin":                        "https://school.example.com",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://school.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestContentLanguage(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/healthz", "", map[string]string{"Accept-Language": "ru-RU"})
	assert.Equal(t, "ru", rec.Header().Get("Content-Language"))
}

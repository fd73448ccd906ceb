package evaluation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/answergrader/internal/grading"
	"github.com/pavelanni/answergrader/internal/llm"
	"github.com/pavelanni/answergrader/internal/model"
	"github.com/pavelanni/answergrader/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	details  map[string]model.AnswerDetails
	saved    map[string]model.EvaluationResult
	sources  map[string]model.EvaluationSource
	writes   int
	released int
	claimErr error
	saveErr  error
}

func newFakeStore(d ...model.AnswerDetails) *fakeStore {
	fs := &fakeStore{
		details: map[string]model.AnswerDetails{},
		saved:   map[string]model.EvaluationResult{},
		sources: map[string]model.EvaluationSource{},
	}
	for _, x := range d {
		fs.details[x.AnswerID] = x
	}
	return fs
}

func (f *fakeStore) GetAnswerDetails(_ context.Context, id string) (model.AnswerDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[id]
	if !ok {
		return d, fmt.Errorf("answer %q: %w", id, store.ErrNotFound)
	}
	return d, nil
}

func (f *fakeStore) ClaimEvaluation(context.Context, string, time.Duration) (int64, error) {
	return 1, f.claimErr
}

func (f *fakeStore) SaveEvaluation(_ context.Context, id string, res model.EvaluationResult, src model.EvaluationSource, maxMarks int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if err := res.Validate(maxMarks); err != nil {
		return err
	}
	f.writes++
	f.saved[id] = res
	f.sources[id] = src
	return nil
}

func (f *fakeStore) ReleaseEvaluation(context.Context, string, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

type fakeGrader struct {
	raw   string
	err   error
	calls int
	got   model.EvaluationContext
}

func (g *fakeGrader) RequestEvaluation(_ context.Context, ec model.EvaluationContext) (string, error) {
	g.calls++
	g.got = ec
	return g.raw, g.err
}

type fakeResolver struct{ fail bool }

func (r fakeResolver) Resolve(_ context.Context, ref string) (string, error) {
	if r.fail {
		return "", errors.New("boom")
	}
	return "https://cdn.test/" + ref, nil
}

func photosynthesis() model.AnswerDetails {
	return model.AnswerDetails{
		AnswerID:     "a1",
		StudentName:  "Alice",
		TextAnswer:   "Photosynthesis converts CO2 into glucose",
		QuestionID:   "q1",
		QuestionText: "Describe photosynthesis.",
		MaxMarks:     6,
	}
}

func TestEvaluateDegradesOnGraderFailure(t *testing.T) {
	tests := []struct {
		name       string
		grader     *fakeGrader
		wantSource model.EvaluationSource
	}{
		{"healthy", &fakeGrader{raw: `{"score":4,"modelAnswer":"m","positiveFeedback":"p","constructiveFeedback":"c"}`}, model.SourceModel},
		{"missing credentials", &fakeGrader{err: llm.ErrMissingCredentials}, model.SourceFallbackMissingCredentials},
		{"timeout", &fakeGrader{err: &llm.TransportError{Kind: llm.KindTimeout, Err: context.DeadlineExceeded}}, model.SourceFallbackUpstreamFailure},
		{"upstream 500", &fakeGrader{err: &llm.TransportError{Kind: llm.KindUpstream, StatusCode: 500}}, model.SourceFallbackUpstreamFailure},
		{"unexpected error", &fakeGrader{err: errors.New("weird")}, model.SourceFallbackUpstreamFailure},
		{"garbage output", &fakeGrader{raw: "no idea"}, model.SourceFallbackUnparseable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStore(photosynthesis())
			svc := NewService(st, nil, tt.grader, time.Minute)

			out, err := svc.Evaluate(context.Background(), "a1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, out.Source)
			assert.Equal(t, 1, st.writes)
			assert.Equal(t, out.Result, st.saved["a1"])
			require.NoError(t, out.Result.Validate(6))
		})
	}
}

func TestEvaluateNotFound(t *testing.T) {
	st := newFakeStore()
	g := &fakeGrader{raw: `{"score":1}`}
	svc := NewService(st, nil, g, time.Minute)

	_, err := svc.Evaluate(context.Background(), "missing")
	require.ErrorIs(t, err, ErrAnswerNotFound)
	assert.Equal(t, KindNotFound, ErrorKind(err))
	assert.Zero(t, st.writes)
	assert.Zero(t, g.calls)
}

func TestEvaluateInProgress(t *testing.T) {
	st := newFakeStore(photosynthesis())
	st.claimErr = store.ErrClaimHeld
	g := &fakeGrader{raw: `{"score":1}`}
	svc := NewService(st, nil, g, time.Minute)

	_, err := svc.Evaluate(context.Background(), "a1")
	require.ErrorIs(t, err, ErrEvaluationInProgress)
	assert.Equal(t, KindInProgress, ErrorKind(err))
	assert.Zero(t, st.writes)
	assert.Zero(t, g.calls)
}

func TestEvaluatePersistenceFailure(t *testing.T) {
	st := newFakeStore(photosynthesis())
	st.saveErr = errors.New("disk full")
	svc := NewService(st, nil, &fakeGrader{raw: `{"score":3}`}, time.Minute)

	_, err := svc.Evaluate(context.Background(), "a1")
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, KindPersistence, ErrorKind(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, st.writes)
	assert.Equal(t, 1, st.released)
}

func TestAssemblerDefaultsAndImages(t *testing.T) {
	d := photosynthesis()
	d.QuestionImage = "q1.png"
	d.AnswerImage = "a1.png"
	st := newFakeStore(d)

	ec, err := NewAssembler(st, fakeResolver{}).Assemble(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, ec.Subject)
	assert.Equal(t, DefaultBoard, ec.Board)
	assert.Equal(t, DefaultQualification, ec.Qualification)
	assert.Equal(t, "https://cdn.test/q1.png", ec.QuestionImage)
	assert.Equal(t, "https://cdn.test/a1.png", ec.AnswerImage)
	assert.Equal(t, 6, ec.MaxMarks)

	ec, err = NewAssembler(st, fakeResolver{fail: true}).Assemble(context.Background(), "a1")
	require.NoError(t, err)
	assert.Empty(t, ec.QuestionImage)
	assert.Empty(t, ec.AnswerImage)

	d.Subject, d.Board, d.Qualification = "Chemistry", "OCR", "A-Level"
	st = newFakeStore(d)
	ec, err = NewAssembler(st, nil).Assemble(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "Chemistry", ec.Subject)
	assert.Equal(t, "OCR", ec.Board)
	assert.Equal(t, "A-Level", ec.Qualification)
	assert.Equal(t, "q1.png", ec.QuestionImage)
}

func TestErrorKindInternal(t *testing.T) {
	assert.Equal(t, KindInternal, ErrorKind(errors.New("x")))
}

// End-to-end runs against a real sqlite store and an OpenAI-compatible fake.

func newPipeline(t *testing.T, maxMarks int, handler http.HandlerFunc, apiKey string, timeout time.Duration) (*Service, *store.Store, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.ImportCatalog(ctx, model.Catalog{
		Subjects: []model.TaxonomyEntry{{ID: "bio", Name: "Biology"}},
		Courses:  []model.Course{{ID: "c1", Name: "Bio", SubjectID: "bio"}},
		Exams: []model.Exam{{
			ID: "e1", CourseID: "c1", Name: "Plants",
			Questions: []model.Question{{ID: "q1", Text: "Describe photosynthesis.", MaxMarks: maxMarks}},
		}},
	}))
	ids, err := st.CreateSubmission(ctx, "Alice", []model.AnswerInput{
		{QuestionID: "q1", TextAnswer: "Photosynthesis converts CO2 into glucose"},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := llm.New(llm.Config{BaseURL: srv.URL + "/v1", APIKey: apiKey, Timeout: timeout})
	require.NoError(t, err)

	return NewService(st, nil, client, time.Minute), st, ids[0]
}

func completion(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q}}]}`, content)
	}
}

func TestEndToEndScenarios(t *testing.T) {
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}

	tests := []struct {
		name       string
		maxMarks   int
		handler    http.HandlerFunc
		apiKey     string
		wantScore  int
		wantSource model.EvaluationSource
	}{
		{"A healthy", 6, completion(`{"score":4,"modelAnswer":"m","positiveFeedback":"p","constructiveFeedback":"c"}`), "sk", 4, model.SourceModel},
		{"B clamped", 6, completion(`{"score":9,"modelAnswer":"m","positiveFeedback":"p","constructiveFeedback":"c"}`), "sk", 6, model.SourceModel},
		{"C timeout", 10, slow, "sk", 6, model.SourceFallbackUpstreamFailure},
		{"D no credentials", 10, completion(`{"score":1}`), "", 5, model.SourceFallbackMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, id := newPipeline(t, tt.maxMarks, tt.handler, tt.apiKey, 100*time.Millisecond)

			out, err := svc.Evaluate(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, out.Result.Score)
			assert.Equal(t, tt.wantSource, out.Source)

			a, err := st.GetAnswer(context.Background(), id)
			require.NoError(t, err)
			require.NotNil(t, a.Evaluation)
			assert.Equal(t, out.Result, *a.Evaluation)
			assert.Equal(t, model.EvaluationDone, a.EvaluationStatus)
			assert.Equal(t, tt.wantSource, a.EvaluationSource)

			if tt.wantSource.Degraded() {
				assert.Equal(t, grading.Fallback(tt.wantSource, tt.maxMarks), *a.Evaluation)
			}
		})
	}
}

func TestEndToEndReevaluate(t *testing.T) {
	svc, st, id := newPipeline(t, 6, completion(`{"score":2}`), "sk", time.Second)
	ctx := context.Background()

	first, err := svc.Evaluate(ctx, id)
	require.NoError(t, err)
	second, err := svc.Evaluate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, first.Result.Validate(6))
	require.NoError(t, second.Result.Validate(6))

	a, err := st.GetAnswer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, second.Result, *a.Evaluation)

	_, err = svc.Evaluate(ctx, "nope")
	assert.ErrorIs(t, err, ErrAnswerNotFound)
}

func TestEvaluateIgnoresCallerCancellation(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			time.Sleep(200 * time.Millisecond)
			completion(`{"score":5,"modelAnswer":"m2","positiveFeedback":"p2","constructiveFeedback":"c2"}`)(w, r)
			return
		}
		completion(`{"score":4,"modelAnswer":"m","positiveFeedback":"p","constructiveFeedback":"c"}`)(w, r)
	}
	svc, st, id := newPipeline(t, 6, handler, "sk", time.Second)

	first, err := svc.Evaluate(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.SourceModel, first.Source)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second, err := svc.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SourceModel, second.Source)
	assert.Equal(t, 5, second.Result.Score)

	a, err := st.GetAnswer(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a.Evaluation)
	assert.Equal(t, model.SourceModel, a.EvaluationSource)
	assert.Equal(t, second.Result, *a.Evaluation)
	assert.NotEqual(t, grading.Fallback(model.SourceFallbackUpstreamFailure, 6), *a.Evaluation)
}

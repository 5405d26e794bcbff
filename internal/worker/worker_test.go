package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/PooyaKeshvari/ProductScrapperV2/internal/agent"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/model"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/oracle"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/redisqueue"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/pkg/retry"
	"github.com/PooyaKeshvari/ProductScrapperV2/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	jobs        []*model.ScrapeJob
	competitors map[string]*model.Competitor
	saved       []store.Cycle
	saveCalls   int
	saveErr     error
	saveErrN    int // 前 saveErrN 次保存返回 saveErr，0 表示每次都失败
}

func (f *fakeStore) ClaimNextPending(context.Context) (*model.ScrapeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Status == model.JobPending {
			j.Status = model.JobInProgress
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNoPendingJob
}

func (f *fakeStore) FindCompetitorByHost(_ context.Context, host string) (*model.Competitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.competitors[host]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SaveCycle(_ context.Context, c store.Cycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.saveErr != nil && (f.saveErrN == 0 || f.saveCalls <= f.saveErrN) {
		return f.saveErr
	}
	cp := *c.Job
	c.Job = &cp
	f.saved = append(f.saved, c)
	return nil
}

type fakeSearch struct {
	results []string
	err     error
}

func (f fakeSearch) Search(context.Context, string) ([]string, error) {
	return f.results, f.err
}

type runnerFunc func(ctx context.Context, productName, candidateURL string) (*agent.Result, error)

func (f runnerFunc) Run(ctx context.Context, productName, candidateURL string) (*agent.Result, error) {
	return f(ctx, productName, candidateURL)
}

type fakeDiscoverer struct {
	calls       int
	suggestions []oracle.Suggestion
}

func (f *fakeDiscoverer) DiscoverCompetitors(context.Context, string, []string) ([]oracle.Suggestion, error) {
	f.calls++
	return f.suggestions, nil
}

type fakeNotifier struct {
	calls int
	last  *model.ScrapeJob
}

func (f *fakeNotifier) JobFailed(_ context.Context, job *model.ScrapeJob, _ string) error {
	f.calls++
	f.last = job
	return errors.New("smtp down")
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pendingJob(id uint, name string) *model.ScrapeJob {
	return &model.ScrapeJob{
		ID:        id,
		ProductID: "p-" + name,
		Status:    model.JobPending,
		Product:   &model.Product{ID: "p-" + name, Name: name},
	}
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name    string
		results []string
		max     int
		want    []string
	}{
		{
			name:    "last token trimmed",
			results: []string{"Galaxy S23 | دیجی کالا | https://digikala.com/p/1 ", "Torob|https://torob.com/p/2"},
			want:    []string{"https://digikala.com/p/1", "https://torob.com/p/2"},
		},
		{
			name:    "skips empty and malformed",
			results: []string{"title | ", "title | ftp://x.ir/a", "title | not a url", "", "ok | http://a.ir/x"},
			want:    []string{"http://a.ir/x"},
		},
		{
			name:    "trailing separator",
			results: []string{"title | https://a.ir/1 |", "title | https://b.ir/2 | | "},
			want:    []string{"https://a.ir/1", "https://b.ir/2"},
		},
		{
			name:    "dedup keeps first order",
			results: []string{"a | https://a.ir/1", "b | https://b.ir/1", "a again | https://a.ir/1"},
			want:    []string{"https://a.ir/1", "https://b.ir/1"},
		},
		{
			name:    "line without separator",
			results: []string{"https://c.ir/1"},
			want:    []string{"https://c.ir/1"},
		},
		{
			name:    "cap",
			results: []string{"1 | https://a.ir/1", "2 | https://a.ir/2", "3 | https://a.ir/3"},
			max:     2,
			want:    []string{"https://a.ir/1", "https://a.ir/2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCandidates(tt.results, tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseCandidates() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCandidates_DefaultCap(t *testing.T) {
	var results []string
	for i := 0; i < 15; i++ {
		results = append(results, "r | https://shop.ir/p/"+string(rune('a'+i)))
	}
	if got := ParseCandidates(results, 0); len(got) != DefaultMaxCandidates {
		t.Fatalf("expected %d candidates, got %d", DefaultMaxCandidates, len(got))
	}
}

func TestProcessNext_NoJob(t *testing.T) {
	w := New(&fakeStore{}, fakeSearch{}, nil, nil, Options{}, newTestLogger())
	claimed, err := w.ProcessNext(context.Background())
	if err != nil || claimed {
		t.Fatalf("expected (false, nil), got (%v, %v)", claimed, err)
	}
}

func TestProcessNext_EmptySearchFailsJob(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}}
	notifier := &fakeNotifier{}
	runs := 0
	runner := runnerFunc(func(context.Context, string, string) (*agent.Result, error) {
		runs++
		return nil, nil
	})
	w := New(st, fakeSearch{}, runner, nil, Options{Notifier: notifier}, newTestLogger())

	claimed, err := w.ProcessNext(context.Background())
	if err != nil || !claimed {
		t.Fatalf("expected claimed job, got (%v, %v)", claimed, err)
	}
	if runs != 0 {
		t.Fatalf("agent must not run without candidates")
	}
	if len(st.saved) != 1 {
		t.Fatalf("expected one save, got %d", len(st.saved))
	}
	saved := st.saved[0]
	if saved.Job.Status != model.JobFailed || saved.Job.AttemptCount != 1 {
		t.Fatalf("unexpected job state: %+v", saved.Job)
	}
	if saved.Job.ErrorMessage == nil || *saved.Job.ErrorMessage == "" {
		t.Fatalf("expected error message")
	}
	if len(saved.Records) != 0 || len(saved.NewCompetitors) != 0 {
		t.Fatalf("no records expected on failure")
	}
	if notifier.calls != 1 || notifier.last.ID != 1 {
		t.Fatalf("expected one failure notification, got %d", notifier.calls)
	}
}

func TestProcessNext_CompletesWithRecords(t *testing.T) {
	existing := &model.Competitor{ID: "c-torob", Name: "توروب", WebsiteHost: "torob.com"}
	st := &fakeStore{
		jobs:        []*model.ScrapeJob{pendingJob(7, "Galaxy")},
		competitors: map[string]*model.Competitor{"torob.com": existing},
	}
	search := fakeSearch{results: []string{
		"a | https://www.digikala.com/p/1",
		"b | https://torob.com/p/2",
		"c | https://digikala.com/p/3",
		"d | https://broken.ir/p/4",
	}}
	runner := runnerFunc(func(_ context.Context, _ string, u string) (*agent.Result, error) {
		switch u {
		case "https://broken.ir/p/4":
			return nil, errors.New("navigation timeout")
		case "https://torob.com/p/2":
			return &agent.Result{ProductTitle: "Galaxy T", ProductURL: u, Price: 200, MatchPercentage: 90, ConfidenceScore: 0.9}, nil
		default:
			return &agent.Result{ProductTitle: "Galaxy D", ProductURL: u, Price: 100, MatchPercentage: 80, ConfidenceScore: 0.8}, nil
		}
	})
	disc := &fakeDiscoverer{suggestions: []oracle.Suggestion{{CompetitorName: "Digikala", WebsiteURL: "https://digikala.com"}}}
	w := New(st, search, runner, disc, Options{Now: fixedNow}, newTestLogger())

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	saved := st.saved[0]
	if saved.Job.Status != model.JobCompleted || saved.Job.CompletedAt == nil || saved.Job.AttemptCount != 0 {
		t.Fatalf("unexpected job state: %+v", saved.Job)
	}
	if len(saved.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(saved.Records))
	}
	if len(saved.NewCompetitors) != 1 || saved.NewCompetitors[0].WebsiteHost != "digikala.com" || saved.NewCompetitors[0].Name != "Digikala" {
		t.Fatalf("expected one new digikala competitor, got %+v", saved.NewCompetitors)
	}
	if disc.calls != 1 {
		t.Fatalf("discovery should run once per cycle, got %d", disc.calls)
	}
	newID := saved.NewCompetitors[0].ID
	wantComp := []string{newID, "c-torob", newID}
	for i, r := range saved.Records {
		if r.CompetitorID != wantComp[i] {
			t.Fatalf("record %d competitor = %s, want %s", i, r.CompetitorID, wantComp[i])
		}
		if r.Currency != model.DefaultCurrency || !r.CapturedAt.Equal(fixedNow()) || r.ProductID != "p-Galaxy" {
			t.Fatalf("unexpected record %+v", r)
		}
	}
}

func TestProcessNext_BackoffThenSuccess(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}}
	calls := 0
	runner := runnerFunc(func(_ context.Context, _ string, u string) (*agent.Result, error) {
		calls++
		if calls <= 3 {
			return nil, &oracle.StatusError{StatusCode: 429, Message: "rate limited"}
		}
		return &agent.Result{ProductTitle: "Galaxy", ProductURL: u, Price: 100}, nil
	})

	var slept time.Duration
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}
	w := New(st, fakeSearch{results: []string{"a | https://torob.com/p/1"}}, runner, nil, Options{Retry: cfg}, newTestLogger())

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if slept != 7*time.Second {
		t.Fatalf("expected 1s+2s+4s backoff, got %v", slept)
	}
	if calls != 4 {
		t.Fatalf("expected 4 agent runs, got %d", calls)
	}
	if got := st.saved[0]; got.Job.Status != model.JobCompleted || len(got.Records) != 1 {
		t.Fatalf("expected one record on completed job, got %+v", got)
	}
}

func TestProcessNext_RetryExhaustionAbandonsCandidate(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}}
	runner := runnerFunc(func(_ context.Context, _ string, u string) (*agent.Result, error) {
		if u == "https://a.ir/1" {
			return nil, errors.New("upstream said: 429 Too Many Requests")
		}
		return &agent.Result{ProductURL: u, Price: 50}, nil
	})
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	w := New(st, fakeSearch{results: []string{"a | https://a.ir/1", "b | https://b.ir/1"}}, runner, nil, Options{Retry: cfg}, newTestLogger())

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := st.saved[0]
	if got.Job.Status != model.JobCompleted || len(got.Records) != 1 || got.Records[0].ProductURL != "https://b.ir/1" {
		t.Fatalf("expected only second candidate recorded, got %+v", got.Records)
	}
}

func TestProcessNext_CancellationSkipsSave(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}}
	ctx, cancel := context.WithCancel(context.Background())
	runner := runnerFunc(func(ctx context.Context, _ string, _ string) (*agent.Result, error) {
		cancel()
		return nil, ctx.Err()
	})
	w := New(st, fakeSearch{results: []string{"a | https://a.ir/1", "b | https://b.ir/1"}}, runner, nil, Options{}, newTestLogger())

	claimed, err := w.ProcessNext(ctx)
	if !claimed || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got (%v, %v)", claimed, err)
	}
	if len(st.saved) != 0 {
		t.Fatalf("cancelled cycle must not save")
	}
	if st.jobs[0].Status != model.JobInProgress {
		t.Fatalf("job should stay in progress, got %s", st.jobs[0].Status)
	}
}

func TestProcessNext_SearchErrorFailsJob(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(3, "Galaxy")}}
	w := New(st, fakeSearch{err: errors.New("browser crashed")}, nil, nil, Options{}, newTestLogger())

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := st.saved[0].Job
	if got.Status != model.JobFailed || got.AttemptCount != 1 || got.ErrorMessage == nil {
		t.Fatalf("unexpected job state: %+v", got)
	}
}

func TestProcessNext_SaveErrorSurfaces(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}, saveErr: errors.New("db gone")}
	w := New(st, fakeSearch{}, nil, nil, Options{}, newTestLogger())
	if _, err := w.ProcessNext(context.Background()); err == nil {
		t.Fatalf("expected save error")
	}
	if st.saveCalls != 2 {
		t.Fatalf("expected cycle save plus failure save, got %d calls", st.saveCalls)
	}
}

func TestProcessNext_SaveErrorRecordsFailure(t *testing.T) {
	job := pendingJob(4, "Galaxy")
	job.AttemptCount = 2
	st := &fakeStore{jobs: []*model.ScrapeJob{job}, saveErr: errors.New("data too long for column"), saveErrN: 1}
	notifier := &fakeNotifier{}
	runner := runnerFunc(func(_ context.Context, _ string, u string) (*agent.Result, error) {
		return &agent.Result{ProductTitle: "Galaxy", ProductURL: u, Price: 100}, nil
	})
	w := New(st, fakeSearch{results: []string{"a | https://a.ir/1"}}, runner, nil, Options{Notifier: notifier}, newTestLogger())

	claimed, err := w.ProcessNext(context.Background())
	if err != nil || !claimed {
		t.Fatalf("expected recorded failure, got (%v, %v)", claimed, err)
	}
	if len(st.saved) != 1 {
		t.Fatalf("expected one successful save, got %d", len(st.saved))
	}
	got := st.saved[0]
	if got.Job.Status != model.JobFailed || got.Job.AttemptCount != 3 || got.Job.CompletedAt != nil {
		t.Fatalf("unexpected job state: %+v", got.Job)
	}
	if got.Job.ErrorMessage == nil || !strings.Contains(*got.Job.ErrorMessage, "data too long") {
		t.Fatalf("expected save error in message, got %v", got.Job.ErrorMessage)
	}
	if len(got.Records) != 0 || len(got.NewCompetitors) != 0 {
		t.Fatalf("failure save must not carry records")
	}
	if notifier.calls != 1 {
		t.Fatalf("expected failure notification")
	}
}

func TestProcessNext_SkipsResultsWithoutHost(t *testing.T) {
	tests := []struct {
		name       string
		urls       map[string]string
		wantStatus model.JobStatus
		wantURLs   []string
	}{
		{
			name:       "valid result kept",
			urls:       map[string]string{"https://a.ir/1": "https://a.ir/1", "https://b.ir/1": "/p/123"},
			wantStatus: model.JobCompleted,
			wantURLs:   []string{"https://a.ir/1"},
		},
		{
			name:       "nothing usable",
			urls:       map[string]string{"https://a.ir/1": "", "https://b.ir/1": "/p/123"},
			wantStatus: model.JobFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}}
			runner := runnerFunc(func(_ context.Context, _ string, u string) (*agent.Result, error) {
				return &agent.Result{ProductTitle: "Galaxy", ProductURL: tt.urls[u], Price: 100}, nil
			})
			search := fakeSearch{results: []string{"a | https://a.ir/1", "b | https://b.ir/1"}}
			w := New(st, search, runner, nil, Options{}, newTestLogger())

			if _, err := w.ProcessNext(context.Background()); err != nil {
				t.Fatalf("process: %v", err)
			}
			got := st.saved[0]
			if got.Job.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (%v)", got.Job.Status, tt.wantStatus, got.Job.ErrorMessage)
			}
			if tt.wantStatus == model.JobFailed && *got.Job.ErrorMessage != ErrNoValidCandidate.Error() {
				t.Fatalf("unexpected error message %q", *got.Job.ErrorMessage)
			}
			var urls []string
			for _, r := range got.Records {
				urls = append(urls, r.ProductURL)
			}
			if !reflect.DeepEqual(urls, tt.wantURLs) {
				t.Fatalf("record urls = %v, want %v", urls, tt.wantURLs)
			}
		})
	}
}

func TestProcessNext_ZeroPriceNotRecorded(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}}
	runner := runnerFunc(func(_ context.Context, _ string, u string) (*agent.Result, error) {
		return &agent.Result{ProductTitle: "Galaxy", ProductURL: u, Price: 0}, nil
	})
	w := New(st, fakeSearch{results: []string{"a | https://a.ir/1"}}, runner, nil, Options{}, newTestLogger())

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := st.saved[0]
	if got.Job.Status != model.JobFailed || len(got.Records) != 0 {
		t.Fatalf("expected failed job without records, got %+v", got)
	}
	if *got.Job.ErrorMessage != ErrNoValidCandidate.Error() {
		t.Fatalf("unexpected error message %q", *got.Job.ErrorMessage)
	}
}

func TestProcessNext_TruncatesLongTitles(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "Galaxy")}}
	long := strings.Repeat("گ", model.MaxTitleLength+20)
	runner := runnerFunc(func(_ context.Context, _ string, u string) (*agent.Result, error) {
		return &agent.Result{ProductTitle: long, ProductURL: u, Price: 10}, nil
	})
	w := New(st, fakeSearch{results: []string{"a | https://a.ir/1"}}, runner, nil, Options{}, newTestLogger())

	if _, err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	title := st.saved[0].Records[0].ProductTitle
	if n := utf8.RuneCountInString(title); n != model.MaxTitleLength {
		t.Fatalf("title length = %d, want %d", n, model.MaxTitleLength)
	}
}

type fakeWaker struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeWaker) Wait(ctx context.Context, _ time.Duration) (uint, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, redisqueue.ErrNoSignal
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := &fakeStore{jobs: []*model.ScrapeJob{pendingJob(1, "a"), pendingJob(2, "b")}}
	waker := &fakeWaker{}
	w := New(st, fakeSearch{}, nil, nil, Options{PollInterval: time.Millisecond, Waker: waker}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		st.mu.Lock()
		n := len(st.saved)
		st.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker did not process both jobs")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
	if st.saved[0].Job.ID != 1 || st.saved[1].Job.ID != 2 {
		t.Fatalf("jobs must be processed in order")
	}
}

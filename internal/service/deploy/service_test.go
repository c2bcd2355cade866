package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cannalonga/pagedeploy/internal/domain"
	"github.com/cannalonga/pagedeploy/internal/repository"
	"github.com/cannalonga/pagedeploy/internal/service/events"
	"github.com/cannalonga/pagedeploy/internal/storage"
	"github.com/cannalonga/pagedeploy/internal/version"
)

type fakeDeploymentRepo struct {
	mu        sync.Mutex
	records   map[string]*domain.Deployment
	order     []string
	updates   []domain.DeploymentStatusUpdate
	errorRows []domain.DeploymentError
	createErr error
	updateErr error
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{records: make(map[string]*domain.Deployment)}
}

func (f *fakeDeploymentRepo) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	clone := *d
	f.records[d.ID] = &clone
	f.order = append(f.order, d.ID)
	return nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	d, ok := f.records[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status.Terminal() {
		return repository.ErrFinalized
	}
	f.updates = append(f.updates, update)
	d.Status = update.Status
	if update.Version != "" {
		d.Version = update.Version
	}
	if update.DeployedURL != "" {
		d.DeployedURL = update.DeployedURL
	}
	if update.PreviewURL != "" {
		d.PreviewURL = update.PreviewURL
	}
	if update.ErrorMessage != "" {
		d.ErrorMessage = update.ErrorMessage
	}
	if update.ErrorStack != "" {
		d.ErrorStack = update.ErrorStack
	}
	if update.Metadata != nil {
		d.Metadata = update.Metadata
	}
	if update.FinishedAt != nil {
		d.FinishedAt = update.FinishedAt
	}
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (f *fakeDeploymentRepo) GetDeploymentByVersion(ctx context.Context, tenantID, pageID, v string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.records {
		if d.TenantID == tenantID && d.PageID == pageID && d.Version == v {
			clone := *d
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDeploymentRepo) ListDeploymentsByPage(ctx context.Context, tenantID, pageID string, limit, offset int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for i := len(f.order) - 1; i >= 0; i-- {
		d := f.records[f.order[i]]
		if d.TenantID == tenantID && d.PageID == pageID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListCompletedDeployments(ctx context.Context, tenantID, pageID string, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for i := len(f.order) - 1; i >= 0; i-- {
		d := f.records[f.order[i]]
		if d.TenantID == tenantID && d.PageID == pageID && d.Status == domain.StatusCompleted {
			out = append(out, *d)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) GetLastSuccessfulDeployment(ctx context.Context, tenantID, pageID string) (*domain.Deployment, error) {
	completed, err := f.ListCompletedDeployments(ctx, tenantID, pageID, 1)
	if err != nil {
		return nil, err
	}
	if len(completed) == 0 {
		return nil, repository.ErrNotFound
	}
	return &completed[0], nil
}

func (f *fakeDeploymentRepo) InsertDeploymentError(ctx context.Context, e *domain.DeploymentError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorRows = append(f.errorRows, *e)
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentErrors(ctx context.Context, deploymentID string) ([]domain.DeploymentError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeploymentError
	for _, e := range f.errorRows {
		if e.DeploymentID == deploymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeMetricsRepo struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	durations []time.Duration
}

func (f *fakeMetricsRepo) RecordDeploymentOutcome(ctx context.Context, tenantID, pageID string, succeeded bool, duration time.Duration, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if succeeded {
		f.succeeded++
	} else {
		f.failed++
	}
	f.durations = append(f.durations, duration)
	return nil
}

func (f *fakeMetricsRepo) GetDeploymentMetrics(ctx context.Context, tenantID, pageID string) (*domain.DeploymentMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.DeploymentMetrics{
		TenantID:          tenantID,
		PageID:            pageID,
		TotalDeploys:      int64(f.succeeded + f.failed),
		SuccessfulDeploys: int64(f.succeeded),
		FailedDeploys:     int64(f.failed),
	}, nil
}

type fakeGenerator struct {
	err      error
	versions []string
}

func (f *fakeGenerator) Generate(ctx context.Context, pctx domain.PageContext) (*domain.StaticPageArtifacts, error) {
	if f.err != nil {
		return nil, f.err
	}
	v := version.Generate(pctx.TenantID, pctx.PageID)
	f.versions = append(f.versions, v)
	return &domain.StaticPageArtifacts{
		Version:      v,
		HTML:         "<main>page</main>",
		PreviewHTML:  "<html><head><meta name=\"robots\" content=\"noindex, nofollow\"></head></html>",
		SitemapEntry: "<url><loc>https://sites.example.com/x</loc></url>",
		Assets:       []domain.Asset{{Path: "assets/a.css", ContentType: "text/css", Size: 10, Body: make([]byte, 10)}},
		GeneratedAt:  time.Now().UTC(),
	}, nil
}

type fakeProvider struct {
	mu          sync.Mutex
	uploadErrs  []error
	uploadCalls int
	invalidated [][]string
	deleted     []storage.UploadTarget
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) UploadFiles(ctx context.Context, files []storage.File, target storage.UploadTarget) (*storage.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	paths := make([]string, 0, len(files))
	for _, file := range files {
		paths = append(paths, "sites/"+target.TenantID+"/"+target.PageID+"/"+target.Version+"/"+file.Path)
	}
	return &storage.UploadResult{
		DeployedURL:   "https://cdn.example.com/sites/" + target.TenantID + "/" + target.PageID + "/" + target.Version + "/index.html",
		PreviewURL:    "https://cdn.example.com/sites/" + target.TenantID + "/" + target.PageID + "/" + target.Version + "/preview.html",
		UploadedPaths: paths,
	}, nil
}

func (f *fakeProvider) InvalidateCache(ctx context.Context, paths []string) (*storage.InvalidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, paths)
	return &storage.InvalidationResult{InvalidatedPaths: paths, Timestamp: time.Now().UTC()}, nil
}

func (f *fakeProvider) DeleteVersion(ctx context.Context, target storage.UploadTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, target)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo *fakeDeploymentRepo, metrics *fakeMetricsRepo, gen ArtifactGenerator, provider storage.Provider) *Service {
	return New(repo, metrics, gen, provider, events.New(nil, testLogger()), testLogger(), 2)
}

func testRequest() Request {
	return Request{TenantID: uuid.NewString(), PageID: uuid.NewString(), Slug: "home"}
}

func TestDeploySuccessWalksFullStateMachine(t *testing.T) {
	repo := newFakeDeploymentRepo()
	metrics := &fakeMetricsRepo{}
	provider := &fakeProvider{}
	svc := newTestService(repo, metrics, &fakeGenerator{}, provider)

	req := testRequest()
	result, err := svc.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if len(repo.order) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(repo.order))
	}
	wantStatuses := []domain.DeploymentStatus{domain.StatusGenerating, domain.StatusUploading, domain.StatusCompleted}
	if len(repo.updates) != len(wantStatuses) {
		t.Fatalf("expected %d transitions, got %d", len(wantStatuses), len(repo.updates))
	}
	for i, want := range wantStatuses {
		if repo.updates[i].Status != want {
			t.Fatalf("transition %d: got %s want %s", i, repo.updates[i].Status, want)
		}
	}

	stored := repo.records[result.DeploymentID]
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("record status %s, want completed", stored.Status)
	}
	if stored.FinishedAt == nil {
		t.Fatalf("completed record must carry finishedAt")
	}
	if stored.DeployedURL == "" || stored.PreviewURL == "" {
		t.Fatalf("completed record missing urls: %+v", stored)
	}
	if metrics.succeeded != 1 || metrics.failed != 0 {
		t.Fatalf("metrics succeeded=%d failed=%d, want 1/0", metrics.succeeded, metrics.failed)
	}
	if result.Version == "" || result.HTMLSize == 0 || result.AssetsCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Metadata.DeployedURL != stored.DeployedURL {
		t.Fatalf("result url %q does not match record %q", result.Metadata.DeployedURL, stored.DeployedURL)
	}
	if len(provider.invalidated) != 1 {
		t.Fatalf("expected one cache invalidation, got %d", len(provider.invalidated))
	}
}

func TestDeployValidationAbortsBeforeAnyRecord(t *testing.T) {
	repo := newFakeDeploymentRepo()
	metrics := &fakeMetricsRepo{}
	svc := newTestService(repo, metrics, &fakeGenerator{}, &fakeProvider{})

	_, err := svc.Deploy(context.Background(), Request{PageID: uuid.NewString(), Slug: "home"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(repo.order) != 0 {
		t.Fatalf("validation failure must not create a record")
	}
	if metrics.succeeded+metrics.failed != 0 {
		t.Fatalf("validation failure must not touch metrics")
	}
}

func TestDeployGeneratorFailureLeavesFailedRecord(t *testing.T) {
	repo := newFakeDeploymentRepo()
	metrics := &fakeMetricsRepo{}
	genErr := errors.New("renderer unavailable")
	svc := newTestService(repo, metrics, &fakeGenerator{err: genErr}, &fakeProvider{})

	_, err := svc.Deploy(context.Background(), testRequest())
	if !errors.Is(err, genErr) {
		t.Fatalf("expected original generator error, got %v", err)
	}

	stored := repo.records[repo.order[0]]
	if stored.Status != domain.StatusFailed {
		t.Fatalf("record status %s, want failed", stored.Status)
	}
	if stored.ErrorMessage == "" || stored.FinishedAt == nil {
		t.Fatalf("failed record missing evidence: %+v", stored)
	}
	if len(repo.errorRows) != 1 {
		t.Fatalf("expected exactly one deployment error row, got %d", len(repo.errorRows))
	}
	if repo.errorRows[0].DeploymentID != stored.ID {
		t.Fatalf("error row not linked to deployment")
	}
	if metrics.failed != 1 || metrics.succeeded != 0 {
		t.Fatalf("metrics succeeded=%d failed=%d, want 0/1", metrics.succeeded, metrics.failed)
	}
}

func TestDeployPermanentUploadFailureDoesNotRetry(t *testing.T) {
	repo := newFakeDeploymentRepo()
	metrics := &fakeMetricsRepo{}
	uploadErr := &storage.ProviderError{Provider: "fake", Op: "upload", Transient: false, Err: errors.New("access denied")}
	provider := &fakeProvider{uploadErrs: []error{uploadErr}}
	svc := newTestService(repo, metrics, &fakeGenerator{}, provider)

	_, err := svc.Deploy(context.Background(), testRequest())
	if !errors.Is(err, uploadErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if provider.uploadCalls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", provider.uploadCalls)
	}
	stored := repo.records[repo.order[0]]
	if stored.Status != domain.StatusFailed {
		t.Fatalf("record status %s, want failed", stored.Status)
	}
	if stored.Version == "" {
		t.Fatalf("failed upload should keep the assigned version for inspection")
	}
}

func TestDeployRetriesTransientUploadFailure(t *testing.T) {
	repo := newFakeDeploymentRepo()
	metrics := &fakeMetricsRepo{}
	transient := &storage.ProviderError{Provider: "fake", Op: "upload", Transient: true, Err: errors.New("timeout")}
	provider := &fakeProvider{uploadErrs: []error{transient}}
	svc := newTestService(repo, metrics, &fakeGenerator{}, provider)

	result, err := svc.Deploy(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Deploy returned error after transient failure: %v", err)
	}
	if provider.uploadCalls != 2 {
		t.Fatalf("expected retry after transient failure, got %d calls", provider.uploadCalls)
	}
	if repo.records[result.DeploymentID].Status != domain.StatusCompleted {
		t.Fatalf("deployment should complete after retry")
	}
	if metrics.succeeded != 1 || metrics.failed != 0 {
		t.Fatalf("retried success must count once: %d/%d", metrics.succeeded, metrics.failed)
	}
}

func TestFailedDeployKeepsLastSuccessful(t *testing.T) {
	repo := newFakeDeploymentRepo()
	metrics := &fakeMetricsRepo{}
	provider := &fakeProvider{}
	gen := &fakeGenerator{}
	svc := newTestService(repo, metrics, gen, provider)

	req := testRequest()
	first, err := svc.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("first deploy failed: %v", err)
	}

	provider.uploadErrs = []error{&storage.ProviderError{Provider: "fake", Op: "upload", Transient: false, Err: errors.New("bucket gone")}}
	if _, err := svc.Deploy(context.Background(), req); err == nil {
		t.Fatalf("second deploy should have failed")
	}

	if metrics.succeeded != 1 || metrics.failed != 1 {
		t.Fatalf("metrics succeeded=%d failed=%d, want 1/1", metrics.succeeded, metrics.failed)
	}
	last, err := svc.LastSuccessful(context.Background(), req.TenantID, req.PageID)
	if err != nil {
		t.Fatalf("LastSuccessful returned error: %v", err)
	}
	if last.Version != first.Version {
		t.Fatalf("last successful version %q, want %q", last.Version, first.Version)
	}
	if last.DeployedURL != first.Metadata.DeployedURL {
		t.Fatalf("last successful url %q, want %q", last.DeployedURL, first.Metadata.DeployedURL)
	}
}

func TestConcurrentDeploysSamePageBothSucceed(t *testing.T) {
	repo := newFakeDeploymentRepo()
	metrics := &fakeMetricsRepo{}
	provider := &fakeProvider{}
	svc := newTestService(repo, metrics, &fakeGenerator{}, provider)

	req := testRequest()
	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Deploy(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("deploy %d failed: %v", i, errs[i])
		}
	}
	if results[0].Version == results[1].Version {
		t.Fatalf("concurrent deploys must produce distinct versions")
	}
	if metrics.succeeded != 2 {
		t.Fatalf("expected both deploys counted, got %d", metrics.succeeded)
	}
}

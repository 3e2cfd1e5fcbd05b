package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/metrics"
)

// EnrollRequest carries the fields of a new identity.
type EnrollRequest struct {
	FullName   string    `validate:"required,max=200"`
	Email      string    `validate:"required,email,max=254"`
	ExternalID string    `validate:"required,max=64"`
	Encoding   []float32 `validate:"required"`
}

// Options configures a Registry.
type Options struct {
	Tolerance     float64
	Dim           int
	HNSWThreshold int    // registry size from which Identify pre-filters with the HNSW index; 0 disables
	IndexPath     string // optional file the HNSW index is saved to and loaded from
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Registry enrolls identities and identifies probes against the store.
type Registry struct {
	store     database.IdentityWriter
	tolerance float64
	dim       int
	threshold int
	indexPath string
	metrics   *metrics.Metrics
	logger    *slog.Logger
	validate  *validator.Validate

	indexMu sync.Mutex
	index   *database.HNSWIndex
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store database.IdentityWriter, opts Options) *Registry {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		store:     store,
		tolerance: opts.Tolerance,
		dim:       opts.Dim,
		threshold: opts.HNSWThreshold,
		indexPath: opts.IndexPath,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		validate:  validator.New(),
	}
}

// Tolerance returns the configured match tolerance.
func (r *Registry) Tolerance() float64 {
	return r.tolerance
}

// Enroll validates and normalises req and stores the identity. A collision on email or
// external id returns apperr.ErrDuplicate; the store decides it atomically.
func (r *Registry) Enroll(ctx context.Context, req EnrollRequest) (int64, error) {
	id, err := r.enroll(ctx, req)
	if err != nil {
		r.metrics.RecordEnrollment(apperr.CodeOf(err))
		return 0, err
	}
	r.metrics.RecordEnrollment("ok")
	return id, nil
}

func (r *Registry) enroll(ctx context.Context, req EnrollRequest) (int64, error) {
	req.FullName = NormalizeFullName(req.FullName)
	req.Email = NormalizeEmail(req.Email)
	req.ExternalID = NormalizeExternalID(req.ExternalID)

	if err := r.validate.Struct(req); err != nil {
		return 0, validationError(err)
	}
	if r.dim > 0 && len(req.Encoding) != r.dim {
		return 0, apperr.Newf(apperr.ErrDimensionMismatch,
			"encoding has %d dimensions, expected %d", len(req.Encoding), r.dim)
	}
	if !finite(req.Encoding) {
		return 0, apperr.New(apperr.ErrInvalidInput, "encoding has non-finite components")
	}

	id, err := r.store.InsertIdentity(ctx, database.NewIdentity{
		FullName:   req.FullName,
		Email:      req.Email,
		ExternalID: req.ExternalID,
		Encoding:   req.Encoding,
	})
	if err != nil {
		return 0, err
	}

	r.indexMu.Lock()
	if r.index != nil {
		if err := r.index.Add(id, req.Encoding); err != nil {
			r.logger.Warn("dropping HNSW index after failed insert", "identity_id", id, "error", err)
			r.index = nil
		}
	}
	r.indexMu.Unlock()

	r.logger.Info("identity enrolled", "identity_id", id, "external_id", req.ExternalID)
	return id, nil
}

// Identify matches probe against a consistent snapshot of the registry. Large registries
// are narrowed to the HNSW nearest neighbours first; the exact Verify runs either way.
func (r *Registry) Identify(ctx context.Context, probe []float32) (Result, error) {
	res, err := r.identify(ctx, probe)
	if err != nil {
		r.metrics.RecordIdentify("error", 0, false)
		return Result{}, err
	}
	r.metrics.RecordIdentify(res.Outcome.String(), res.Distance, res.Outcome == Matched)
	return res, nil
}

func (r *Registry) identify(ctx context.Context, probe []float32) (Result, error) {
	encodings, err := r.store.ListEncodings(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(encodings) == 0 {
		return Result{Outcome: NoCandidates}, nil
	}

	if r.threshold > 0 && finite(probe) && len(encodings) >= r.threshold {
		if candidates, ok := r.nearest(probe, encodings); ok {
			return Verify(probe, candidates, r.tolerance), nil
		}
	}
	return Verify(probe, encodings, r.tolerance), nil
}

// nearest returns the HNSW candidate subset of snapshot, or false when the index
// cannot answer (dimension mismatch, build failure) and a full scan is needed.
func (r *Registry) nearest(probe []float32, snapshot map[int64][]float32) (map[int64][]float32, bool) {
	index, err := r.indexFor(snapshot)
	if err != nil {
		r.logger.Warn("HNSW index unavailable, falling back to full scan", "error", err)
		return nil, false
	}

	// over-fetch so the exact pass still sees the true nearest neighbours
	k := database.HNSWSearchMultiplier * database.HNSWMinCandidates
	ids, _, err := index.Search(probe, k)
	if err != nil {
		return nil, false
	}

	candidates := make(map[int64][]float32, len(ids))
	for _, id := range ids {
		if enc, ok := snapshot[id]; ok {
			candidates[id] = enc
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates, true
}

// indexFor returns an index consistent with snapshot, rebuilding it when the identity
// count differs.
func (r *Registry) indexFor(snapshot map[int64][]float32) (*database.HNSWIndex, error) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	if r.index != nil && r.index.Count() == len(snapshot) {
		return r.index, nil
	}

	idx := database.NewHNSWIndex()
	if err := idx.Build(snapshot); err != nil {
		return nil, fmt.Errorf("building HNSW index: %w", err)
	}
	r.index = idx
	r.logger.Info("HNSW index built", "identities", len(snapshot))
	return idx, nil
}

// LoadIndex restores a saved index when it still matches the registry, otherwise it
// rebuilds from the store. Without an index path or threshold it does nothing.
func (r *Registry) LoadIndex(ctx context.Context) error {
	if r.threshold <= 0 {
		return nil
	}

	count, err := r.store.CountIdentities(ctx)
	if err != nil {
		return err
	}

	if r.indexPath != "" {
		meta, err := database.LoadHNSWMetadata(r.indexPath)
		if err == nil && meta.IsFresh(count, r.dim) {
			idx := database.NewHNSWIndex()
			if err := idx.Load(r.indexPath); err == nil {
				r.indexMu.Lock()
				r.index = idx
				r.indexMu.Unlock()
				r.logger.Info("HNSW index loaded", "path", r.indexPath, "identities", count)
				return nil
			}
		}
	}

	if count < r.threshold {
		return nil
	}
	encodings, err := r.store.ListEncodings(ctx)
	if err != nil {
		return err
	}
	_, err = r.indexFor(encodings)
	return err
}

// SaveIndex writes the current index to the configured path.
func (r *Registry) SaveIndex() error {
	if r.indexPath == "" {
		return nil
	}
	r.indexMu.Lock()
	idx := r.index
	r.indexMu.Unlock()
	if idx == nil {
		return nil
	}
	return idx.Save(r.indexPath)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.ErrInvalidInput, err, "invalid enrollment request")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.New(apperr.ErrInvalidInput, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := map[string]string{
		"FullName":   "full_name",
		"Email":      "email",
		"ExternalID": "external_id",
		"Encoding":   "encoding",
	}[fe.Field()]
	if field == "" {
		field = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

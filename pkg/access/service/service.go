// Package service is the access facade called by the HTTP layer. It resolves
// the acting user, runs the permission evaluator before any mutation or
// cross-user read, drives the invitation state machine and owns the unit of
// work around each operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mikepea/access/pkg/access/invite"
	"github.com/mikepea/access/pkg/access/manage"
	"github.com/mikepea/access/pkg/access/metrics"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/permissions"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
)

// SearchLimit caps the number of users returned by Search
const SearchLimit = 15

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Session yields the id of the acting user for a request
type Session interface {
	ActingUserID(ctx context.Context) (uint, bool)
}

// Service implements the operations exposed to the HTTP layer
type Service struct {
	store     *store.Store
	catalog   manage.Catalog
	evaluator *permissions.Evaluator
	session   Session
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	expiry    time.Duration
	hostname  func() (string, error)
	newID     func() string
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithInvitationExpiry sets the grace period of new invitations
func WithInvitationExpiry(d time.Duration) Option {
	return func(s *Service) { s.expiry = d }
}

// WithHostname replaces os.Hostname in error reports
func WithHostname(fn func() (string, error)) Option {
	return func(s *Service) { s.hostname = fn }
}

// New creates the facade
func New(st *store.Store, catalog manage.Catalog, session Session, opts ...Option) *Service {
	s := &Service{
		store:     st,
		catalog:   catalog,
		evaluator: permissions.NewEvaluator(manage.OrganizationScope{}),
		session:   session,
		log:       zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		expiry:    invite.DefaultExpiry,
		hostname:  os.Hostname,
		newID:     newReportID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// acting loads the session user through st, which may be bound to a transaction
func (s *Service) acting(ctx context.Context, st *store.Store) (*models.User, error) {
	id, ok := s.session.ActingUserID(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	user, err := st.FindUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	return user, err
}

func (s *Service) check(d permissions.Decision) error {
	if d.Allowed {
		return nil
	}
	s.metrics.IncDenial(d.Rule)
	if d.Reason == permissions.ReasonUnauthenticated {
		return ErrUnauthenticated
	}
	return fmt.Errorf("%w: %s (%s)", ErrForbidden, d.Rule, d.Reason)
}

// missing answers a lookup miss with the decision for an unknown target, so
// callers without access get the same error for absent and out-of-scope ids.
func (s *Service) missing(d permissions.Decision) error {
	if err := s.check(d); err != nil {
		return err
	}
	return ErrNotFound
}

func (s *Service) withProviders(ctx context.Context, user *models.User) error {
	providers, err := manage.ResolveProviders(ctx, s.catalog, manage.UserIdentifiers(user))
	if err != nil {
		return err
	}
	user.Providers = providers
	return nil
}

// CurrentUser returns the acting user without resolving catalog metadata
func (s *Service) CurrentUser(ctx context.Context) (*models.User, error) {
	return s.acting(ctx, s.store)
}

// RequireSuperUser returns the acting user when it is a super user. It gates
// API key and administration endpoints.
func (s *Service) RequireSuperUser(ctx context.Context) (*models.User, error) {
	acting, err := s.acting(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if err := s.check(s.evaluator.AssertSuperUser(acting)); err != nil {
		return nil, err
	}
	return acting, nil
}

// Me returns the acting user with the catalog metadata of the user's roles
func (s *Service) Me(ctx context.Context) (*models.User, error) {
	user, err := s.acting(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if err := s.withProviders(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Other returns another user's profile. Only super users may look at other profiles.
func (s *Service) Other(ctx context.Context, id uint) (*models.User, error) {
	acting, err := s.acting(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if err := s.check(s.evaluator.AssertSuperUser(acting)); err != nil {
		return nil, err
	}

	other, err := s.store.FindUserByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := s.withProviders(ctx, other); err != nil {
		return nil, err
	}
	return other, nil
}

// UsersByRole lists the users holding a grant for the role
func (s *Service) UsersByRole(ctx context.Context, roleID uint) ([]models.User, error) {
	acting, err := s.acting(ctx, s.store)
	if err != nil {
		return nil, err
	}
	role, err := s.store.FindRoleByID(ctx, roleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.missing(s.evaluator.RoleAccess(acting, nil))
	}
	if err != nil {
		return nil, err
	}
	if err := s.check(s.evaluator.RoleAccess(acting, role)); err != nil {
		return nil, err
	}
	return s.store.FindUsersByRole(ctx, roleID)
}

// Search finds users by the start of their email or name
func (s *Service) Search(ctx context.Context, query string) ([]models.User, error) {
	acting, err := s.acting(ctx, s.store)
	if err != nil {
		return nil, err
	}
	if err := s.check(s.evaluator.AssertSuperUser(acting)); err != nil {
		return nil, err
	}
	return s.store.SearchUsers(ctx, query, SearchLimit)
}

// Package harness runs an ephemeral orchestration server for tests.
//
// Start brings up the HTTP API, a coordinator on the fake backend, and an
// isolated metadata store, then points the process-wide settings at them.
// Teardown restores the previous settings and removes everything it created,
// whether the test passes, fails, or panics.
package harness

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/danpasecinic/execflow/internal/api"
	"github.com/danpasecinic/execflow/internal/backend"
	"github.com/danpasecinic/execflow/internal/backend/fake"
	"github.com/danpasecinic/execflow/internal/client"
	"github.com/danpasecinic/execflow/internal/config"
	"github.com/danpasecinic/execflow/internal/coordinator"
	"github.com/danpasecinic/execflow/internal/reconcile"
	"github.com/danpasecinic/execflow/internal/state"
)

// DatabaseURLEnv names the PostgreSQL DSN used for harness stores. When unset
// the harness uses an in-memory store.
const DatabaseURLEnv = "EXECFLOW_TEST_DATABASE_URL"

// Instance is a running harness.
type Instance struct {
	// URL is the base URL of the API server.
	URL string

	// Settings are the process-wide settings while the instance is open.
	Settings config.Settings

	Store       state.StateStore
	Coordinator *coordinator.Coordinator
	Backend     *fake.Backend
	Client      *client.Client

	server  *httptest.Server
	pg      *state.PostgresStore
	restore func()

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger      *zap.Logger
	fakeOpts    []fake.Option
	reconcile   reconcile.Config
	databaseURL string
	inMemory    bool
}

// Option configures a harness.
type Option func(*options)

// WithLogger sets the logger shared by the server and the coordinator.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFakeBackend passes options to the fake backend.
func WithFakeBackend(opts ...fake.Option) Option {
	return func(o *options) { o.fakeOpts = append(o.fakeOpts, opts...) }
}

// WithReconcileConfig replaces the polling configuration.
func WithReconcileConfig(cfg reconcile.Config) Option {
	return func(o *options) { o.reconcile = cfg }
}

// WithDatabaseURL uses a fresh schema in the given PostgreSQL database.
func WithDatabaseURL(dsn string) Option {
	return func(o *options) { o.databaseURL = dsn }
}

// WithInMemoryStore forces an in-memory store even if DatabaseURLEnv is set.
func WithInMemoryStore() Option {
	return func(o *options) { o.inMemory = true }
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		reconcile: reconcile.Config{
			InitialInterval:    5 * time.Millisecond,
			MaxInterval:        50 * time.Millisecond,
			Timeout:            time.Minute,
			MaxTransientErrors: 5,
		},
		databaseURL: os.Getenv(DatabaseURLEnv),
	}
}

// Start creates an instance whose teardown is registered with t.Cleanup.
func Start(t testing.TB, opts ...Option) *Instance {
	t.Helper()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	inst, err := New(opts...)
	if err != nil {
		t.Fatalf("failed to start harness: %v", err)
	}
	t.Cleanup(func() {
		if err := inst.Close(); err != nil {
			t.Errorf("harness teardown: %v", err)
		}
	})
	return inst
}

// New creates an instance. The caller must call Close.
func New(opts ...Option) (*Instance, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	inst := &Instance{}
	settings := config.Active()

	if o.databaseURL != "" && !o.inMemory {
		schema := "harness_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		pg, err := state.NewPostgresStoreInSchema(o.databaseURL, schema)
		if err != nil {
			return nil, fmt.Errorf("failed to create harness store: %w", err)
		}
		dsn, err := state.SchemaDSN(o.databaseURL, schema)
		if err != nil {
			_ = pg.DropSchema()
			_ = pg.Close()
			return nil, err
		}
		inst.pg = pg
		inst.Store = pg
		settings.Store.Type = config.StorePostgres
		settings.DatabaseURL = dsn
	} else {
		inst.Store = state.NewInMemoryStore()
		settings.Store.Type = config.StoreMemory
		settings.DatabaseURL = ""
	}

	inst.Backend = fake.New(o.fakeOpts...)
	inst.Coordinator = coordinator.New(inst.Store, inst.Backend, o.reconcile, coordinator.WithLogger(o.logger))
	inst.server = httptest.NewServer(api.NewEcho(api.NewServer(inst.Store, inst.Coordinator, o.logger)))
	inst.URL = inst.server.URL

	settings.ServerURL = inst.URL
	settings.Backend.Type = backend.TypeFake
	settings.Reconcile = o.reconcile
	inst.Settings = settings
	inst.restore = config.Override(settings)
	inst.Client = client.New(settings)

	o.logger.Info("Harness started", zap.String("url", inst.URL), zap.String("store", settings.Store.Type))
	return inst, nil
}

// Close tears the instance down and restores the previous settings. It is
// safe to call more than once.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		var errs []error

		i.restore()
		i.server.Close()
		i.Coordinator.Close()

		if i.pg != nil {
			if err := i.pg.DropSchema(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := i.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		i.closeErr = errors.Join(errs...)
	})
	return i.closeErr
}

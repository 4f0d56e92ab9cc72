package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"blueprint-backend/internal/config"
	"blueprint-backend/internal/di"
	apperrors "blueprint-backend/internal/errors"
	"blueprint-backend/internal/infrastructure/database"
	"blueprint-backend/internal/infrastructure/queue"
	"blueprint-backend/internal/shutdown"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "", want: RolePrimary},
		{in: "primary", want: RolePrimary},
		{in: " API ", want: RolePrimary},
		{in: "worker", want: RoleWorker},
		{in: "scheduler", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubsystemsFor(t *testing.T) {
	cfg := &config.Config{}

	t.Run("Should only consume jobs as a worker", func(t *testing.T) {
		assert.Equal(t, Subsystems{Consumers: true}, SubsystemsFor(RoleWorker, cfg))
	})

	t.Run("Should supervise workers as a spawning primary", func(t *testing.T) {
		cfg.Workers.AutoSpawn = true
		assert.Equal(t, Subsystems{HTTP: true, Supervisor: true, Maintenance: true}, SubsystemsFor(RolePrimary, cfg))
	})

	t.Run("Should consume in process as a primary without workers", func(t *testing.T) {
		cfg.Workers.AutoSpawn = false
		assert.Equal(t, Subsystems{HTTP: true, Consumers: true, Maintenance: true}, SubsystemsFor(RolePrimary, cfg))
	})
}

func TestPingHandler(t *testing.T) {
	res, err := PingHandler(context.Background(), &queue.Job{Data: json.RawMessage(`{"hello":"world"}`)})
	require.NoError(t, err)

	ping := res.(PingResult)
	assert.True(t, ping.Pong)
	assert.NotZero(t, ping.PID)
	assert.JSONEq(t, `{"hello":"world"}`, string(ping.Echo))

	res, err = PingHandler(context.Background(), &queue.Job{Data: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.Nil(t, res.(PingResult).Echo)
}

func TestAuditHandler(t *testing.T) {
	policy := database.RetryPolicy{MaxRetries: 2, Delay: time.Millisecond}

	t.Run("Should insert one row in a transaction", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = sqlDB.Close() })
		db := sqlx.NewDb(sqlDB, "sqlmock")

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO audit_log").
			WithArgs("job-1", "user.created", "admin", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectCommit()

		h := AuditHandler(db, policy)
		res, err := h(context.Background(), &queue.Job{
			ID:   "job-1",
			Data: json.RawMessage(`{"action":"user.created","actor":"admin"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"auditId": 42}, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should fail without a database", func(t *testing.T) {
		h := AuditHandler(nil, policy)
		_, err := h(context.Background(), &queue.Job{Data: json.RawMessage(`{"action":"x"}`)})
		assert.ErrorIs(t, err, errNoDatabase)
	})

	t.Run("Should reject an empty action", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = sqlDB.Close() })

		h := AuditHandler(sqlx.NewDb(sqlDB, "sqlmock"), policy)
		_, err = h(context.Background(), &queue.Job{Data: json.RawMessage(`{"actor":"admin"}`)})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// testConfig runs everything in process with the memory broker.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader(t.TempDir(), config.Development).Load()
	require.NoError(t, err)

	cfg.Broker.Provider = "memory"
	cfg.Workers.AutoSpawn = false
	cfg.RateLimit.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.Database.DSN = ""
	cfg.Events.EventBridge.Enabled = false
	cfg.Queues.PollTimeout = 50 * time.Millisecond
	cfg.Shutdown.Timeout = 5 * time.Second
	cfg.Shutdown.DrainTimeout = time.Second
	cfg.Shutdown.RetryDelay = 10 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, role Role) (*App, chan int, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	exits := make(chan int, 1)
	a, err := New(cfg, role, Options{
		Logger:   zap.NewNop(),
		Exit:     func(code int) { exits <- code },
		Listener: ln,
	})
	require.NoError(t, err)
	return a, exits, "http://" + ln.Addr().String()
}

func TestApp_Run(t *testing.T) {
	cfg := testConfig(t)
	a, exits, base := newTestApp(t, cfg, RolePrimary)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codes := make(chan int, 1)
	go func() { codes <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	t.Run("Should run a ping job end to end", func(t *testing.T) {
		body, err := json.Marshal(map[string]interface{}{
			"name":      JobPing,
			"data":      map[string]string{"from": "test"},
			"wait":      true,
			"timeoutMs": 3000,
		})
		require.NoError(t, err)

		resp, err := http.Post(base+"/api/v1/queues/default/jobs", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Result PingResult `json:"result"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.True(t, out.Result.Pong)
		assert.JSONEq(t, `{"from":"test"}`, string(out.Result.Echo))
	})

	t.Run("Should fail an audit job without a database", func(t *testing.T) {
		body, err := json.Marshal(map[string]interface{}{
			"name":      JobAudit,
			"data":      map[string]string{"action": "user.created"},
			"wait":      true,
			"timeoutMs": 3000,
		})
		require.NoError(t, err)

		resp, err := http.Post(base+"/api/v1/queues/default/jobs", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	cancel()
	select {
	case code := <-codes:
		assert.Equal(t, shutdown.ExitOK, code)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, shutdown.ExitOK, <-exits)
	assert.Equal(t, shutdown.StateExited, a.Coordinator().State())

	// The container was disposed during shutdown.
	_, err := di.Resolve[*queue.Orchestrator](a.Container(), TokenOrchestrator)
	assert.Error(t, err)
}

func TestApp_WorkerRole(t *testing.T) {
	cfg := testConfig(t)
	a, exits, _ := newTestApp(t, cfg, RoleWorker)

	require.NoError(t, a.Start(context.Background()))
	assert.Nil(t, a.Addr())

	// Start constructed and started the consumer.
	_, err := di.Resolve[*queue.Worker](a.Container(), TokenWorker)
	require.NoError(t, err)

	assert.Equal(t, shutdown.ExitOK, a.Coordinator().Shutdown("test"))
	assert.Equal(t, shutdown.ExitOK, <-exits)
}

func TestApp_WorkerWatchesParent(t *testing.T) {
	t.Run("Should shut down once the parent is gone", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Workers.ParentPID = os.Getppid() + 1
		cfg.Workers.ParentCheckInterval = 10 * time.Millisecond
		a, exits, _ := newTestApp(t, cfg, RoleWorker)

		codes := make(chan int, 1)
		go func() { codes <- a.Run(context.Background()) }()

		select {
		case code := <-codes:
			assert.Equal(t, shutdown.ExitOK, code)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not shut down after its parent exited")
		}
		assert.Equal(t, shutdown.ExitOK, <-exits)
	})

	t.Run("Should keep running while the parent is alive", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Workers.ParentPID = os.Getppid()
		cfg.Workers.ParentCheckInterval = 10 * time.Millisecond
		a, exits, _ := newTestApp(t, cfg, RoleWorker)

		require.NoError(t, a.Start(context.Background()))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, shutdown.StateRunning, a.Coordinator().State())

		assert.Equal(t, shutdown.ExitOK, a.Coordinator().Shutdown("test"))
		assert.Equal(t, shutdown.ExitOK, <-exits)
	})
}

func TestApp_StartFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queues.CleanSchedule = "not a schedule"
	a, exits, _ := newTestApp(t, cfg, RolePrimary)

	assert.Equal(t, shutdown.ExitError, a.Run(context.Background()))
	assert.Equal(t, shutdown.ExitError, <-exits)
}

func TestSupervisorConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Workers.Count = 2

	t.Run("Should start workers with the primary's configuration", func(t *testing.T) {
		wc := supervisorConfig(cfg, Options{ConfigDir: "conf", ConfigFile: "conf/extra.yaml"})
		assert.Equal(t, []string{"serve", "--role=worker", "--config-dir=conf", "--config=conf/extra.yaml"}, wc.Args)
		assert.Contains(t, wc.Env, "APP_ROLE=worker")
		assert.Contains(t, wc.Env, "PARENT_PID="+strconv.Itoa(os.Getpid()))
		assert.Equal(t, 2, wc.Count)
	})

	t.Run("Should prefer explicit worker arguments", func(t *testing.T) {
		wc := supervisorConfig(cfg, Options{WorkerArgs: []string{"-test.run=TestHelperWorker"}})
		assert.Equal(t, []string{"-test.run=TestHelperWorker"}, wc.Args)
	})
}

package control

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/unitman/internal/manager"
	"github.com/ChuLiYu/unitman/internal/registry"
	"github.com/ChuLiYu/unitman/internal/unittype"
	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

var (
	testMgrMu sync.Mutex
	testMgr   *manager.Manager
)

func currentMgr() *manager.Manager {
	testMgrMu.Lock()
	defer testMgrMu.Unlock()
	return testMgr
}

// ctlUnit is a unit kind that completes every transition synchronously.
type ctlUnit struct{ id registry.UnitID }

func init() {
	unittype.Register("ctlsvc", func(id registry.UnitID) unittype.VTable {
		return &ctlUnit{id: id}
	})
}

func (c *ctlUnit) Init(u *registry.Unit)                          {}
func (c *ctlUnit) Load(u *registry.Unit) error                    { return nil }
func (c *ctlUnit) Done(u *registry.Unit)                          {}
func (c *ctlUnit) Coldplug(u *registry.Unit, deferred bool) error { return nil }
func (c *ctlUnit) Start(u *registry.Unit) (unitapi.TransitionResult, error) {
	currentMgr().Registry().Notify(u.ID, unitapi.Active, false)
	return unitapi.TransOKQueued, nil
}
func (c *ctlUnit) Stop(u *registry.Unit) (unitapi.TransitionResult, error) {
	currentMgr().Registry().Notify(u.ID, unitapi.Inactive, false)
	return unitapi.TransOKQueued, nil
}
func (c *ctlUnit) Reload(u *registry.Unit) (unitapi.TransitionResult, error) {
	currentMgr().Registry().Notify(u.ID, unitapi.Active, true)
	return unitapi.TransOKQueued, nil
}
func (c *ctlUnit) ActiveState(u *registry.Unit) unitapi.ActiveState { return u.Active }
func (c *ctlUnit) SubStateString(u *registry.Unit) string           { return u.Active.String() }
func (c *ctlUnit) CheckGC(u *registry.Unit) bool                    { return false }
func (c *ctlUnit) ResetFailed(u *registry.Unit)                     { u.Active = unitapi.Inactive }
func (c *ctlUnit) Serialize(u *registry.Unit, w io.Writer, fds *registry.FDSet) error {
	return nil
}
func (c *ctlUnit) DeserializeItem(u *registry.Unit, key, value string, fds *registry.FDSet) error {
	return nil
}
func (c *ctlUnit) Kill(u *registry.Unit, who unitapi.KillWho, signo int) error { return nil }
func (c *ctlUnit) Timeout(u *registry.Unit) (time.Time, bool)                  { return time.Time{}, false }
func (c *ctlUnit) StatusMessage(u *registry.Unit, jt unitapi.JobType, r unitapi.JobResult) string {
	return ""
}

// harness boots a manager plus a bufconn-backed gRPC server/client pair.
func harness(t *testing.T) *Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	mgr, err := manager.New(manager.Config{
		SnapshotPath: filepath.Join(dir, "snapshot"),
		JournalPath:  filepath.Join(dir, "journal"),
		Log:          log,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)

	testMgrMu.Lock()
	testMgr = mgr
	testMgrMu.Unlock()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewServer(mgr, log).Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &Client{conn: conn}
}

func waitActive(t *testing.T, c *Client, unit, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := c.GetUnitProperties(context.Background(), unit)
		if err == nil && st.ActiveState == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("unit %s never reached %s", unit, want)
}

func TestStartUnitOverWire(t *testing.T) {
	c := harness(t)

	reply, err := c.StartUnit(context.Background(), "web.ctlsvc", "replace")
	require.NoError(t, err)
	assert.NotZero(t, reply.ID)
	assert.Contains(t, reply.Path, "/job/")

	waitActive(t, c, "web.ctlsvc", "active")
}

func TestStopAfterStart(t *testing.T) {
	c := harness(t)

	_, err := c.StartUnit(context.Background(), "db.ctlsvc", "replace")
	require.NoError(t, err)
	waitActive(t, c, "db.ctlsvc", "active")

	_, err = c.StopUnit(context.Background(), "db.ctlsvc", "replace")
	require.NoError(t, err)
	waitActive(t, c, "db.ctlsvc", "inactive")
}

func TestUnknownModeRejected(t *testing.T) {
	c := harness(t)

	_, err := c.StartUnit(context.Background(), "web.ctlsvc", "nonsense")
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetPropertiesUnknownUnit(t *testing.T) {
	c := harness(t)

	_, err := c.GetUnitProperties(context.Background(), "ghost.ctlsvc")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestKillRejectsUnknownWho(t *testing.T) {
	c := harness(t)

	_, err := c.StartUnit(context.Background(), "k.ctlsvc", "replace")
	require.NoError(t, err)
	waitActive(t, c, "k.ctlsvc", "active")

	err = c.KillUnit(context.Background(), "k.ctlsvc", "everyone", 9)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, c.KillUnit(context.Background(), "k.ctlsvc", "all", 9))
}

func TestListUnitsIncludesStarted(t *testing.T) {
	c := harness(t)

	_, err := c.StartUnit(context.Background(), "listed.ctlsvc", "replace")
	require.NoError(t, err)
	waitActive(t, c, "listed.ctlsvc", "active")

	units, err := c.ListUnits(context.Background())
	require.NoError(t, err)

	found := false
	for _, u := range units {
		if u.ID == "listed.ctlsvc" {
			found = true
			assert.Equal(t, "active", u.ActiveState)
		}
	}
	assert.True(t, found, "started unit missing from ListUnits")
}

func TestSubscribeStreamsJobSignals(t *testing.T) {
	c := harness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []SignalEvent
	go func() {
		_ = c.Subscribe(ctx, func(ev SignalEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	}()

	// Give the stream a moment to attach before generating signals.
	time.Sleep(50 * time.Millisecond)

	_, err := c.StartUnit(context.Background(), "sig.ctlsvc", "replace")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		var sawNew, sawRemoved bool
		for _, ev := range events {
			if ev.Unit == "sig.ctlsvc" && ev.Kind == "JobNew" {
				sawNew = true
			}
			if ev.Unit == "sig.ctlsvc" && ev.Kind == "JobRemoved" && ev.Result == "done" {
				sawRemoved = true
			}
		}
		mu.Unlock()
		if sawNew && sawRemoved {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw JobNew+JobRemoved for sig.ctlsvc")
}

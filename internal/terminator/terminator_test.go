package terminator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/cloudlet/internal/driver"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/metrics"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/models"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/notify"
	"github.com/devghori1264/aerophoenix/cloudlet/internal/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// destroyer is a driver whose Destroy behavior is set per test.
type destroyer struct {
	driver.Driver

	fn func(inst *models.Instance, bdms []models.BlockDeviceMapping) error

	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (d *destroyer) Destroy(ctx context.Context, inst *models.Instance, bdms []models.BlockDeviceMapping) error {
	d.calls.Add(1)
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if d.fn != nil {
		return d.fn(inst, bdms)
	}
	return nil
}

// notFoundOnDestroy reports the record as gone when deletion is attempted.
type notFoundOnDestroy struct {
	storage.Store
}

func (s notFoundOnDestroy) DestroyInstance(context.Context, string, *models.QuotaReservation) (*models.Instance, error) {
	return nil, storage.ErrNotFound
}

// brokenMappings fails to list block device mappings.
type brokenMappings struct {
	storage.Store
	err error
}

func (s brokenMappings) ListBlockDeviceMappings(context.Context, string) ([]models.BlockDeviceMapping, error) {
	return nil, s.err
}

type fixture struct {
	store    *storage.BadgerStore
	drv      *destroyer
	notes    *notify.Recorder
	metrics  *metrics.Metrics
	term     *Terminator
	rc       models.RequestContext
	instance func(id string) *models.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		drv:     &destroyer{},
		notes:   &notify.Recorder{},
		metrics: metrics.New(nil),
		rc:      models.RequestContext{RequestID: "req"},
	}
	f.term = New(store, f.drv, f.notes, zap.NewNop(), f.metrics)
	f.instance = func(id string) *models.Instance {
		inst := &models.Instance{ID: id, ProjectID: "p", VCPUs: 1, MemoryMB: 512, VMState: models.VMActive}
		require.NoError(t, store.SaveInstance(context.Background(), inst))
		return inst
	}
	return f
}

func TestTerminateDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.instance("i1")

	var seen []models.BlockDeviceMapping
	f.drv.fn = func(_ *models.Instance, bdms []models.BlockDeviceMapping) error {
		seen = bdms
		return nil
	}
	// Attached after the caller's handle was taken; teardown must still see it.
	require.NoError(t, f.store.SaveBlockDeviceMapping(ctx, &models.BlockDeviceMapping{InstanceID: "i1", DeviceName: "/dev/vdb"}))

	require.NoError(t, f.term.Terminate(ctx, f.rc, inst))

	got, err := f.store.GetInstanceReadDeleted(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.VMDeleted, got.VMState)
	require.Len(t, seen, 1)
	assert.Equal(t, "/dev/vdb", seen[0].DeviceName)
	assert.Equal(t, []string{"delete.start", "delete.end"}, f.notes.Names())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Terminations.WithLabelValues("deleted")))
}

func TestTerminateAlreadyDeletedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.instance("i1")
	require.NoError(t, f.term.Terminate(ctx, f.rc, inst))
	before, err := f.store.GetInstanceReadDeleted(ctx, "i1")
	require.NoError(t, err)

	require.NoError(t, f.term.Terminate(ctx, f.rc, inst))

	after, err := f.store.GetInstanceReadDeleted(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, models.VMDeleted, after.VMState)
	assert.Equal(t, int32(1), f.drv.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Terminations.WithLabelValues("already_deleted")))
}

func TestTerminateNotFoundOnDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.instance("i3")
	term := New(notFoundOnDestroy{f.store}, f.drv, f.notes, zap.NewNop(), f.metrics)

	require.NoError(t, term.Terminate(ctx, f.rc, inst))

	got, err := f.store.GetInstance(ctx, "i3")
	require.NoError(t, err)
	assert.NotEqual(t, models.VMError, got.VMState)
}

func TestTerminateFailureSetsErrorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.instance("i4")
	boom := errors.New("hypervisor unreachable")
	f.drv.fn = func(*models.Instance, []models.BlockDeviceMapping) error { return boom }

	err := f.term.Terminate(ctx, f.rc, inst)
	require.ErrorIs(t, err, boom)

	got, err := f.store.GetInstance(ctx, "i4")
	require.NoError(t, err)
	assert.Equal(t, models.VMError, got.VMState)
	assert.Equal(t, models.TaskNone, got.TaskState)
	assert.Equal(t, []string{"delete.start"}, f.notes.Names())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Terminations.WithLabelValues("error")))
}

func TestTerminateMappingReadFailureSetsErrorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.instance("i6")
	boom := errors.New("mapping index unreadable")
	term := New(brokenMappings{f.store, boom}, f.drv, f.notes, zap.NewNop(), f.metrics)

	err := term.Terminate(ctx, f.rc, inst)
	require.ErrorIs(t, err, boom)

	got, err := f.store.GetInstance(ctx, "i6")
	require.NoError(t, err)
	assert.Equal(t, models.VMError, got.VMState)
	assert.Equal(t, int32(0), f.drv.calls.Load())
	assert.Empty(t, f.notes.Names())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Terminations.WithLabelValues("error")))
}

func TestTerminateWaitsForInstanceLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.instance("i7")

	unlock := f.term.Locks().Lock("i7")
	done := make(chan error, 1)
	go func() { done <- f.term.Terminate(ctx, f.rc, inst) }()

	select {
	case err := <-done:
		unlock()
		t.Fatalf("terminate finished while the instance lock was held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, int32(0), f.drv.calls.Load())

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("terminate never acquired the instance lock")
	}
	got, err := f.store.GetInstanceReadDeleted(ctx, "i7")
	require.NoError(t, err)
	assert.Equal(t, models.VMDeleted, got.VMState)
}

func TestConcurrentTerminateSerializes(t *testing.T) {
	f := newFixture(t)
	inst := f.instance("i5")
	f.drv.fn = func(*models.Instance, []models.BlockDeviceMapping) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.term.Terminate(context.Background(), f.rc, inst)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.drv.maxSeen.Load())
	assert.Equal(t, int32(1), f.drv.calls.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Terminations.WithLabelValues("already_deleted")))
}

func TestTerminateDifferentInstancesInParallel(t *testing.T) {
	f := newFixture(t)
	a, b := f.instance("a"), f.instance("b")

	var entered sync.WaitGroup
	entered.Add(2)
	f.drv.fn = func(*models.Instance, []models.BlockDeviceMapping) error {
		entered.Done()
		done := make(chan struct{})
		go func() { entered.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("teardowns of different instances did not overlap")
		}
	}

	var wg sync.WaitGroup
	for _, inst := range []*models.Instance{a, b} {
		wg.Add(1)
		go func(inst *models.Instance) {
			defer wg.Done()
			assert.NoError(t, f.term.Terminate(context.Background(), f.rc, inst))
		}(inst)
	}
	wg.Wait()
	assert.Equal(t, int32(2), f.drv.maxSeen.Load())
}

func TestLockRegistryReusesMutex(t *testing.T) {
	var r LockRegistry
	unlock := r.Lock("x")
	acquired := make(chan struct{})
	go func() {
		u := r.Lock("x")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
	assert.Same(t, r.get("x"), r.get("x"))
}

package machinectl

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mattsgit/test-looper/internal/objdb"
)

type fakeDriver struct {
	nextID    int
	booted    map[string]bool
	refuse    bool
	refuseMsg string
}

func newFakeDriver() *fakeDriver { return &fakeDriver{booted: map[string]bool{}} }

func (d *fakeDriver) Boot(ctx context.Context, hardware, os string) (string, error) {
	if d.refuse {
		return "", &DriverError{Unbootable: true, Reason: d.refuseMsg}
	}
	d.nextID++
	id := "m" + string(rune('0'+d.nextID))
	d.booted[id] = true
	return id, nil
}

func (d *fakeDriver) Terminate(ctx context.Context, machineID string) error {
	delete(d.booted, machineID)
	return nil
}

func (d *fakeDriver) List(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.booted))
	for id := range d.booted {
		out = append(out, id)
	}
	return out, nil
}

func newTestStore(t *testing.T) *objdb.Store {
	return objdb.New(logrus.NewEntry(logrus.New()))
}

func TestReconcileBootsUpToDesired(t *testing.T) {
	store := newTestStore(t)
	cat := objdb.CategoryID{Hardware: "x86", OS: "linux"}
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertCategory(cat)
		return tx.SetCategoryCounts(cat, 0, 3)
	}))

	driver := newFakeDriver()
	c := New(store, driver, logrus.NewEntry(logrus.New()), nil)
	require.NoError(t, c.Reconcile(context.Background()))

	require.Len(t, driver.booted, 3)

	var got *objdb.MachineCategory
	require.NoError(t, store.View(func(v *objdb.View) error {
		got, _ = v.GetCategory(cat)
		return nil
	}))
	require.Equal(t, 3, got.Booted)
}

func TestReconcileMarksUnbootableOnRefusal(t *testing.T) {
	store := newTestStore(t)
	cat := objdb.CategoryID{Hardware: "gpu", OS: "linux"}
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertCategory(cat)
		return tx.SetCategoryCounts(cat, 0, 1)
	}))

	driver := newFakeDriver()
	driver.refuse = true
	driver.refuseMsg = "quota exceeded"
	c := New(store, driver, logrus.NewEntry(logrus.New()), nil)
	require.NoError(t, c.Reconcile(context.Background()))

	var got *objdb.MachineCategory
	require.NoError(t, store.View(func(v *objdb.View) error {
		got, _ = v.GetCategory(cat)
		return nil
	}))
	require.True(t, got.HardwareComboUnbootable)
	require.Equal(t, "quota exceeded", got.UnbootableReason)
}

func TestReconcileTerminatesIdleWhenOverDesired(t *testing.T) {
	store := newTestStore(t)
	cat := objdb.CategoryID{Hardware: "x86", OS: "linux"}
	now := time.Now()
	require.NoError(t, store.Transaction(func(tx *objdb.Txn) error {
		tx.UpsertCategory(cat)
		tx.UpsertMachine(&objdb.Machine{ID: "m1", Hardware: "x86", OS: "linux", IsAlive: true, LastHeartbeat: now, BootTime: now})
		return tx.SetCategoryCounts(cat, 1, 0)
	}))

	driver := newFakeDriver()
	driver.booted["m1"] = true
	c := New(store, driver, logrus.NewEntry(logrus.New()), nil)
	require.NoError(t, c.Reconcile(context.Background()))

	require.NotContains(t, driver.booted, "m1")

	var m *objdb.Machine
	require.NoError(t, store.View(func(v *objdb.View) error {
		m, _ = v.GetMachine("m1")
		return nil
	}))
	require.False(t, m.IsAlive)
}

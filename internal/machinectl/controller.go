package machinectl

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mattsgit/test-looper/internal/objdb"
)

// Controller runs the BootMachineCheck reconciliation (spec §4.4). It owns
// no scheduling logic of its own: objdb.MachineCategory.Desired is set
// elsewhere (UpdateTestPriority, per spec §4.3.2), the Controller only
// drives booted toward desired via the Driver.
type Controller struct {
	store  *objdb.Store
	driver Driver
	log    *logrus.Entry

	// IdleTimeout bounds how stale a machine's heartbeat may be and still
	// be considered for termination rather than presumed dead already
	// (spec §4.4 "last-heartbeat within threshold").
	IdleTimeout time.Duration

	bootedGauge     *prometheus.GaugeVec
	desiredGauge    *prometheus.GaugeVec
	unbootableGauge *prometheus.GaugeVec
}

func New(store *objdb.Store, driver Driver, log *logrus.Entry, registry prometheus.Registerer) *Controller {
	c := &Controller{
		store:       store,
		driver:      driver,
		log:         log.WithField("component", "machinectl"),
		IdleTimeout: 90 * time.Second,
		bootedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "test_looper_machine_category_booted",
			Help: "Machines currently booted in a hardware/OS category.",
		}, []string{"hardware", "os"}),
		desiredGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "test_looper_machine_category_desired",
			Help: "Machines desired in a hardware/OS category.",
		}, []string{"hardware", "os"}),
		unbootableGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "test_looper_machine_category_unbootable",
			Help: "1 if the category is currently marked hardware-combo-unbootable.",
		}, []string{"hardware", "os"}),
	}
	if registry != nil {
		registry.MustRegister(c.bootedGauge, c.desiredGauge, c.unbootableGauge)
	}
	return c
}

// Reconcile performs one BootMachineCheck pass: boot machines for
// under-provisioned categories, terminate idle machines for
// over-provisioned ones, and publish the resulting gauges (spec §4.4).
func (c *Controller) Reconcile(ctx context.Context) error {
	var categories []*objdb.MachineCategory
	if err := c.store.View(func(v *objdb.View) error {
		categories = v.AllCategories()
		return nil
	}); err != nil {
		return err
	}

	for _, cat := range categories {
		if err := c.reconcileBootedCount(cat.ID); err != nil {
			c.log.WithError(err).Error("failed to reconcile booted count")
			continue
		}
		if err := c.store.View(func(v *objdb.View) error {
			refreshed, ok := v.GetCategory(cat.ID)
			if ok {
				cat = refreshed
			}
			return nil
		}); err != nil {
			return err
		}

		labels := prometheus.Labels{"hardware": cat.ID.Hardware, "os": cat.ID.OS}
		c.bootedGauge.With(labels).Set(float64(cat.Booted))
		c.desiredGauge.With(labels).Set(float64(cat.Desired))
		unbootable := 0.0
		if cat.HardwareComboUnbootable {
			unbootable = 1.0
		}
		c.unbootableGauge.With(labels).Set(unbootable)

		switch {
		case cat.Desired > cat.Booted:
			c.bootMore(ctx, cat)
		case cat.Desired < cat.Booted:
			c.terminateIdle(ctx, cat)
		}
	}
	return nil
}

// reconcileBootedCount restores the MachineCategory.Booted invariant
// (spec §3 "booted == count(alive Machines with matching hw+os)") before
// any boot/terminate decision is made this cycle.
func (c *Controller) reconcileBootedCount(id objdb.CategoryID) error {
	return c.store.Transaction(func(t *objdb.Txn) error {
		v := t.View()
		alive := len(v.AliveMachinesInCategory(id))
		cat, ok := v.GetCategory(id)
		if !ok {
			return nil
		}
		return t.SetCategoryCounts(id, alive, cat.Desired)
	})
}

func (c *Controller) bootMore(ctx context.Context, cat *objdb.MachineCategory) {
	want := cat.Desired - cat.Booted
	log := c.log.WithField("hardware", cat.ID.Hardware).WithField("os", cat.ID.OS)
	for i := 0; i < want; i++ {
		id, err := c.driver.Boot(ctx, cat.ID.Hardware, cat.ID.OS)
		if err != nil {
			c.handleBootFailure(cat.ID, err, log)
			return
		}
		log.WithField("machine", id).Info("booted machine")
		now := time.Now()
		if err := c.store.Transaction(func(t *objdb.Txn) error {
			t.UpsertMachine(&objdb.Machine{ID: objdb.MachineID(id), Hardware: cat.ID.Hardware, OS: cat.ID.OS, BootTime: now, IsAlive: true})
			v := t.View()
			current, ok := v.GetCategory(cat.ID)
			if !ok {
				return nil
			}
			return t.SetCategoryCounts(cat.ID, len(v.AliveMachinesInCategory(cat.ID)), current.Desired)
		}); err != nil {
			log.WithError(err).Error("failed to record booted machine")
		}
	}
	if err := c.clearUnbootable(cat.ID); err != nil {
		log.WithError(err).Error("failed to clear unbootable flag")
	}
}

// handleBootFailure marks the category unbootable on an explicit driver
// refusal (spec §4.4 "on driver refusal, set hardwareComboUnbootable with
// the returned reason"). A transient, non-refusal error is logged and
// retried on the next BootMachineCheck without touching the flag.
//
// Every test currently schedulable against this category has its priority
// recomputed so PriorityHardwareComboUnbootable takes effect immediately
// rather than waiting for the category's next unrelated UpdateTestPriority
// trigger.
func (c *Controller) handleBootFailure(id objdb.CategoryID, err error, log *logrus.Entry) {
	var driverErr *DriverError
	if !errors.As(err, &driverErr) || !driverErr.Unbootable {
		log.WithError(err).Warn("transient boot failure, will retry")
		return
	}
	log.WithField("reason", driverErr.Reason).Warn("hardware/OS combination marked unbootable")
	if txErr := c.store.Transaction(func(t *objdb.Txn) error {
		if err := t.SetCategoryUnbootable(id, true, driverErr.Reason); err != nil {
			return err
		}
		for _, tt := range t.View().TestsSchedulableInCategory(id) {
			t.Enqueue(objdb.TaskMedium, objdb.TaskUpdateTestPriority, string(tt.ID), func(task *objdb.DataTask) {
				task.Test = tt.ID
			})
		}
		return nil
	}); txErr != nil {
		log.WithError(txErr).Error("failed to record unbootable category")
	}
}

func (c *Controller) clearUnbootable(id objdb.CategoryID) error {
	return c.store.Transaction(func(t *objdb.Txn) error {
		return t.SetCategoryUnbootable(id, false, "")
	})
}

func (c *Controller) terminateIdle(ctx context.Context, cat *objdb.MachineCategory) {
	want := cat.Booted - cat.Desired
	log := c.log.WithField("hardware", cat.ID.Hardware).WithField("os", cat.ID.OS)

	var idle []*objdb.Machine
	if err := c.store.View(func(v *objdb.View) error {
		idle = v.IdleMachinesInCategory(cat.ID)
		return nil
	}); err != nil {
		log.WithError(err).Error("failed to list idle machines")
		return
	}

	now := time.Now()
	terminated := 0
	for _, m := range idle {
		if terminated >= want {
			break
		}
		if now.Sub(m.LastHeartbeat) > c.IdleTimeout {
			continue // presumed dead already; not terminated or marked dead here
		}
		if err := c.driver.Terminate(ctx, string(m.ID)); err != nil {
			log.WithField("machine", m.ID).WithError(err).Warn("failed to terminate idle machine")
			continue
		}
		if err := c.store.Transaction(func(t *objdb.Txn) error {
			return t.MarkMachineDead(m.ID)
		}); err != nil {
			log.WithField("machine", m.ID).WithError(err).Error("failed to record terminated machine")
		}
		terminated++
	}
}

// Package machinectl implements the Machine-Category Controller (spec
// §4.4): it translates unmet test demand, expressed as
// objdb.MachineCategory.Desired, into boot and terminate calls against a
// pluggable machine-management driver, and reconciles the driver's view of
// reality back into the object graph.
package machinectl

import "context"

// Driver is the machine-management backend contract (spec §4.4, §6
// "Machine-management driver interface (provided)"). Implementations are
// cloud-specific and out of scope for this module.
type Driver interface {
	Boot(ctx context.Context, hardware, os string) (machineID string, err error)
	Terminate(ctx context.Context, machineID string) error
	List(ctx context.Context) ([]string, error)
}

// DriverError distinguishes a driver's explicit refusal to boot a
// hardware/OS combination from a transient error (spec §4.4 "on driver
// refusal, set hardwareComboUnbootable"). Drivers that can tell the two
// apart should return one wrapping this; a Controller treats any other
// error as transient and simply retries on the next BootMachineCheck.
type DriverError struct {
	Unbootable bool
	Reason     string
}

func (e *DriverError) Error() string { return e.Reason }

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// loggingDriver is the reference machinectl.Driver for this module: cloud
// boot/terminate APIs are out of scope (machinectl.Driver's doc comment
// calls them "cloud-specific and out of scope for this module"), so this
// stub mints a fake machine id and logs what a real driver would do,
// giving BootMachineCheck something concrete to reconcile against in a
// standalone deployment.
type loggingDriver struct {
	log *logrus.Entry
}

func (d *loggingDriver) Boot(ctx context.Context, hardware, os string) (string, error) {
	var b [8]byte
	_, _ = rand.Read(b[:])
	id := hex.EncodeToString(b[:])
	d.log.WithField("hardware", hardware).WithField("os", os).WithField("machine", id).Info("boot requested")
	return id, nil
}

func (d *loggingDriver) Terminate(ctx context.Context, machineID string) error {
	d.log.WithField("machine", machineID).Info("terminate requested")
	return nil
}

func (d *loggingDriver) List(ctx context.Context) ([]string, error) {
	return nil, nil
}

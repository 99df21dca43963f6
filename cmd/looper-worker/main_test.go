package main

import "testing"

func TestValidateRequiresManagerURLAndMachineID(t *testing.T) {
	o := &options{isolation: "bare", logLevel: "info"}
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for missing manager-url and machine-id")
	}
	o.managerURL = "ws://manager/worker"
	o.machineID = "m1"
	if err := o.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequiresContainerIDForContainerIsolation(t *testing.T) {
	o := &options{managerURL: "ws://x", machineID: "m1", isolation: "container", logLevel: "info"}
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for missing container-id")
	}
	o.container = "abc"
	if err := o.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

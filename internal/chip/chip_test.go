package chip

import (
	"testing"

	"github.com/tinyrange/gpuctl/internal/ral"
)

func TestReferenceRegistered(t *testing.T) {
	caps, err := Lookup(ReferenceID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(caps.Trees) != ReferenceTreeCount {
		t.Fatalf("trees = %d, want %d", len(caps.Trees), ReferenceTreeCount)
	}
	caps.Trees = nil
	again, _ := Lookup(ReferenceID)
	if len(again.Trees) != ReferenceTreeCount {
		t.Fatalf("Lookup returned shared capabilities")
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup(0xdead); err == nil {
		t.Fatalf("Lookup of unknown chip succeeded")
	}
}

func TestValidate(t *testing.T) {
	caps := Reference()
	caps.Trees = caps.Trees[:1]
	if err := caps.Validate(); err == nil {
		t.Fatalf("single-tree chip validated")
	}

	caps = Reference()
	caps.Trees[1].PendingMask = 0x1
	if err := caps.Validate(); err == nil {
		t.Fatalf("software bit outside pending mask validated")
	}

	caps = Reference()
	caps.Trees[0].RouteField = ral.Field{Hi: 0, Lo: 1}
	if err := caps.Validate(); err == nil {
		t.Fatalf("inverted route field validated")
	}

	caps = Reference()
	caps.Boot.StatusField = ral.Field{Hi: 32, Lo: 0}
	if err := caps.Validate(); err == nil {
		t.Fatalf("out of range boot status field validated")
	}

	caps = Reference()
	caps.ConfigSpaceSize = 512
	if err := caps.Validate(); err == nil {
		t.Fatalf("bad config space size validated")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register(ReferenceID, Reference)
}

func TestRegistered(t *testing.T) {
	ids := Registered()
	found := false
	for _, id := range ids {
		if id == ReferenceID {
			found = true
		}
	}
	if !found {
		t.Fatalf("Registered() = %v, missing reference", ids)
	}
}

package runtime

import (
	"testing"

	"github.com/varianteffect/mavedb-worker/internal/jobs/manager"
	"github.com/varianteffect/mavedb-worker/internal/pkg/dbctx"
)

func noop(dbc dbctx.Context, wc *Context, jm *manager.JobManager) *Result {
	return OK(nil)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("map_variants_for_score_set", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("map_variants_for_score_set", noop); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(name, noop); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names := r.Names()
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatalf("names = %v", names)
	}
	if _, ok := r.Get("b"); !ok {
		t.Fatal("registered function not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("unregistered function found")
	}
}

func TestResultAsMapShapes(t *testing.T) {
	ok := OK(map[string]any{"n": 1}).AsMap()
	if ok["status"] != "ok" {
		t.Fatalf("status = %v", ok["status"])
	}
	if _, present := ok["error_message"]; present {
		t.Fatal("ok result carries error_message")
	}

	failed := Failed(&manager.ValidationError{Message: "bad input"}, nil).AsMap()
	if failed["status"] != "failed" {
		t.Fatalf("status = %v", failed["status"])
	}
	if failed["error_message"] != "bad input" {
		t.Fatalf("error_message = %v", failed["error_message"])
	}
	details, okCast := failed["exception_details"].(map[string]any)
	if !okCast || details["message"] != "bad input" {
		t.Fatalf("exception_details = %v", failed["exception_details"])
	}
}

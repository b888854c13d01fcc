package registry

import (
	stderrors "errors"
	"testing"

	"github.com/mirkobrombin/go-lockstep/v1/errors"
)

func testRegistry() Registry {
	return Registry{
		"delta": {Resources: []ResourceID{3, 4}},
		"alpha": {Resources: []ResourceID{1, 2}},
		"beta":  {Resources: []ResourceID{2, 5}},
	}
}

func TestResolveOrderIndependence(t *testing.T) {
	reg := testRegistry()
	perms := [][]ResourceID{
		{1, 3, 5},
		{5, 1, 3},
		{3, 5, 1},
	}
	var want []string
	for i, ids := range perms {
		res, err := reg.Resolve(ids...)
		if err != nil {
			t.Fatalf("resolve %v: %v", ids, err)
		}
		if i == 0 {
			want = res.Endpoints
			continue
		}
		if len(res.Endpoints) != len(want) {
			t.Fatalf("permutation %v changed endpoints: %v vs %v", ids, res.Endpoints, want)
		}
		for j := range want {
			if res.Endpoints[j] != want[j] {
				t.Fatalf("permutation %v changed endpoints: %v vs %v", ids, res.Endpoints, want)
			}
		}
	}
}

func TestResolveCanonicalOrderAndAssignment(t *testing.T) {
	reg := testRegistry()
	res, err := reg.Resolve(5, 3, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wantEps := []string{"alpha", "beta", "delta"}
	if len(res.Endpoints) != len(wantEps) {
		t.Fatalf("endpoints %v want %v", res.Endpoints, wantEps)
	}
	for i := range wantEps {
		if res.Endpoints[i] != wantEps[i] {
			t.Fatalf("endpoints %v want %v", res.Endpoints, wantEps)
		}
	}
	if res.Assignments[1] != "alpha" || res.Assignments[3] != "delta" || res.Assignments[5] != "beta" {
		t.Fatalf("unexpected assignments %v", res.Assignments)
	}
}

func TestResolvePrefersSmallestName(t *testing.T) {
	reg := testRegistry()
	res, err := reg.Resolve(2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Assignments[2] != "alpha" {
		t.Fatalf("id 2 assigned to %q, want alpha", res.Assignments[2])
	}
	if len(res.Endpoints) != 1 || res.Endpoints[0] != "alpha" {
		t.Fatalf("endpoints %v", res.Endpoints)
	}
}

func TestResolveCollapsesDuplicates(t *testing.T) {
	reg := testRegistry()
	res, err := reg.Resolve(1, 1, 2, 2, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Assignments) != 2 {
		t.Fatalf("expected 2 assignments got %d", len(res.Assignments))
	}
	if len(res.Endpoints) != 1 || res.Endpoints[0] != "alpha" {
		t.Fatalf("endpoints %v", res.Endpoints)
	}
}

func TestResolveMissingResource(t *testing.T) {
	reg := testRegistry()
	_, err := reg.Resolve(1, 99, 7)
	if err == nil {
		t.Fatal("expected error for unknown ids")
	}
	if !errors.IsResourceNotFound(err) {
		t.Fatalf("expected ResourceNotFoundError got %v", err)
	}
	var nf *errors.ResourceNotFoundError
	if !stderrors.As(err, &nf) || nf.Resource != 7 {
		t.Fatalf("expected smallest missing id 7, got %+v", nf)
	}
}

func TestResolveEmptyInput(t *testing.T) {
	reg := testRegistry()
	if _, err := reg.Resolve(); err != errors.ErrNoResources {
		t.Fatalf("expected ErrNoResources got %v", err)
	}
}

func TestResourcesUniverse(t *testing.T) {
	reg := testRegistry()
	ids := reg.Resources()
	want := []ResourceID{1, 2, 3, 4, 5}
	if len(ids) != len(want) {
		t.Fatalf("resources %v want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("resources %v want %v", ids, want)
		}
	}
}

func TestResourcesForSorted(t *testing.T) {
	reg := Registry{"only": {Resources: []ResourceID{9, 1, 4}}}
	res, err := reg.Resolve(4, 9, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := res.ResourcesFor("only")
	want := []ResourceID{1, 4, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("resources for endpoint %v want %v", got, want)
		}
	}
	if out := res.ResourcesFor("other"); len(out) != 0 {
		t.Fatalf("unexpected ids for unknown endpoint: %v", out)
	}
}

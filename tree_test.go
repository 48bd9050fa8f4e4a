package porto

import (
	"strings"
	"testing"

	"github.com/fsl-jyt/porto/perr"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		kind perr.Kind
	}{
		{"a", perr.Success},
		{"a/b", perr.Success},
		{"web-frontend_1.2:prod@dc", perr.Success},
		{"/", perr.Success},
		{"", perr.InvalidValue},
		{"/a", perr.InvalidValue},
		{"a//b", perr.InvalidValue},
		{"a/", perr.InvalidValue},
		{"self", perr.InvalidValue},
		{"a/self", perr.InvalidValue},
		{".", perr.InvalidValue},
		{"a b", perr.InvalidValue},
		{"a*b", perr.InvalidValue},
		{strings.Repeat("x", 129), perr.InvalidValue},
		{strings.Repeat("x", 128), perr.Success},
	}
	for _, tc := range cases {
		err := validateName(tc.name, false)
		if perr.KindOf(err) != tc.kind {
			t.Errorf("validateName(%q) = %v, want %v", tc.name, err, tc.kind)
		}
	}
}

func TestValidateNameLength(t *testing.T) {
	long := strings.Repeat("x", 100) + "/" + strings.Repeat("y", 109)
	if len(long) != 210 {
		t.Fatal("bad fixture")
	}
	if err := validateName(long, false); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("long path for plain user = %v", err)
	}
	if err := validateName(long, true); err != nil {
		t.Errorf("long path for superuser = %v", err)
	}
}

func TestParentName(t *testing.T) {
	if p := ParentName("a/b/c"); p != "a/b" {
		t.Errorf("ParentName(a/b/c) = %q", p)
	}
	if p := ParentName("a"); p != RootName {
		t.Errorf("ParentName(a) = %q", p)
	}
}

func TestCreateFind(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	if a.Level != 1 || b.Level != 2 {
		t.Errorf("levels = %d, %d", a.Level, b.Level)
	}
	if b.Parent != a {
		t.Error("child not linked to parent")
	}
	if b.FirstName != "b" {
		t.Errorf("FirstName = %q", b.FirstName)
	}

	found, err := tree.Find("a/b")
	if err != nil || found != b {
		t.Errorf("Find(a/b) = %v, %v", found, err)
	}
	if _, err := tree.Find("a/c"); perr.KindOf(err) != perr.ContainerDoesNotExist {
		t.Errorf("Find(missing) = %v", err)
	}
	if tree.Stats.ContainersCreated != 2 {
		t.Errorf("ContainersCreated = %d", tree.Stats.ContainersCreated)
	}
}

func TestCreateDuplicate(t *testing.T) {
	tree := newTestTree(t)
	mustCreate(t, tree, "a")
	if _, err := tree.Create("a", testCred); perr.KindOf(err) != perr.ContainerAlreadyExists {
		t.Errorf("duplicate Create() = %v", err)
	}
}

func TestCreateOrphan(t *testing.T) {
	tree := newTestTree(t)
	if _, err := tree.Create("a/b", testCred); perr.KindOf(err) != perr.ContainerDoesNotExist {
		t.Errorf("Create() without parent = %v", err)
	}
}

func TestCreateLevelLimit(t *testing.T) {
	tree := newTestTree(t)
	name := "l1"
	mustCreate(t, tree, name)
	for i := 2; i <= 16; i++ {
		name += "/x"
		mustCreate(t, tree, name)
	}
	if _, err := tree.Create(name+"/x", testCred); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("Create() beyond level limit = %v", err)
	}
}

func TestDestroy(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	if err := a.LockWrite(); err != nil {
		t.Fatal(err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatal(err)
	}
	a.Unlock()
	if a.State() != Destroyed || b.State() != Destroyed {
		t.Errorf("states after destroy = %v, %v", a.State(), b.State())
	}
	if _, err := tree.Find("a"); perr.KindOf(err) != perr.ContainerDoesNotExist {
		t.Errorf("Find() after destroy = %v", err)
	}
	if tree.Stats.ContainersCount != 1 {
		t.Errorf("ContainersCount = %d", tree.Stats.ContainersCount)
	}

	// the freed names can be taken again
	mustCreate(t, tree, "a")
}

func TestDestroyRoot(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Root.Destroy(); perr.KindOf(err) != perr.Permission {
		t.Errorf("Destroy(root) = %v", err)
	}
}

func TestWalkOrder(t *testing.T) {
	tree := newTestTree(t)
	mustCreate(t, tree, "a")
	mustCreate(t, tree, "a/b")
	mustCreate(t, tree, "c")

	list := tree.Walk()
	if len(list) != 4 {
		t.Fatalf("Walk() = %d containers", len(list))
	}
	// children come before their parents, the root is last
	if list[len(list)-1] != tree.Root {
		t.Error("root is not last in Walk()")
	}
	pos := map[string]int{}
	for i, ct := range list {
		pos[ct.Name] = i
	}
	if pos["a/b"] > pos["a"] {
		t.Error("child after parent in Walk()")
	}
}

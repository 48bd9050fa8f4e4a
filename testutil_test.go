// Test scaffolding: every tree test runs against a fake cgroup
// filesystem and a throwaway key-value store in a tempdir.
package porto

import (
	"testing"

	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/kv"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.KeyValueDir = t.TempDir()
	config.Set(cfg)
	if err := fs.InitTestSubsystems(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	store, err := kv.NewStore(cfg.KeyValueDir)
	if err != nil {
		t.Fatal(err)
	}
	return NewTree(store)
}

var testCred = Cred{Uid: 1000, Gid: 1000}

func mustCreate(t *testing.T, tree *Tree, name string) *Container {
	t.Helper()
	ct, err := tree.Create(name, testCred)
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return ct
}

package porto

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/kv"
	"github.com/fsl-jyt/porto/perr"
	"github.com/fsl-jyt/porto/utils"
)

const (
	// RootName addresses the root container.
	RootName = "/"

	containerNameMax   = 128
	containerPathMax   = 200
	containerPathSuper = 220
	containerLevelMax  = 16
	containerIdMax     = 4095

	rootContainerId = 1
)

// Stats counts daemon-wide container events.
type Stats struct {
	ContainersCount       uint64
	ContainersCreated     uint64
	ContainersStarted     uint64
	ContainersFailedStart uint64
	ContainersOOM         uint64
	ContainersRestored    uint64
	RestoreFailed         uint64
}

// Tree owns the container registry, the id pool and the shared lock
// state. One instance per daemon.
type Tree struct {
	mu         sync.Mutex
	cond       *sync.Cond
	containers map[string]*Container
	ids        *utils.IdMap

	Root  *Container
	Store *kv.Store
	Stats Stats

	Queue   *EventQueue
	Starter TaskStarter
	Volumes VolumeLinker
	NetMgr  NetClassInitializer

	// host cpu topology, loaded by the resolver at root distribution
	coreThreads []*utils.BitMap
	numaNodes   *utils.BitMap
	nodeThreads []*utils.BitMap

	// waiter registry, guarded by waitMu and never by mu
	waitMu          sync.Mutex
	wildcardWaiters []*Waiter
}

// NewTree builds a tree holding only the root container in Meta state.
func NewTree(store *kv.Store) *Tree {
	t := &Tree{
		containers: make(map[string]*Container),
		ids:        utils.NewIdMap(rootContainerId, containerIdMax),
		Store:      store,
		Starter:    execStarter{},
		Volumes:    noVolumes{},
		NetMgr:     noNetClass{},
	}
	t.cond = sync.NewCond(&t.mu)
	if err := t.ids.GetAt(rootContainerId); err != nil {
		panic(err)
	}
	root := newContainer(t, nil, rootContainerId, RootName)
	root.state = Meta
	t.Root = root
	t.containers[RootName] = root
	t.Stats.ContainersCount++
	return t
}

// validateName enforces the container path alphabet and limits.
func validateName(name string, superuser bool) error {
	if name == "" {
		return perr.New(perr.InvalidValue, "container path too short")
	}
	pathMax := containerPathMax
	if superuser {
		pathMax = containerPathSuper
	}
	if len(name) > pathMax {
		return perr.Newf(perr.InvalidValue, "container path too long, limit is %d", pathMax)
	}
	if name[0] == '/' {
		if name == RootName {
			return nil
		}
		return perr.New(perr.InvalidValue, "container path starts with '/': "+name)
	}
	first := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '/' {
			if i == first {
				return perr.New(perr.InvalidValue, "double/trailing '/' in container path: "+name)
			}
			seg := name[first:i]
			if len(seg) > containerNameMax {
				return perr.Newf(perr.InvalidValue,
					"container name component too long, limit is %d: %q", containerNameMax, seg)
			}
			if seg == "self" {
				return perr.New(perr.InvalidValue, "container name 'self' is reserved")
			}
			if seg == "." {
				return perr.New(perr.InvalidValue, "container name '.' is reserved")
			}
			first = i + 1
			continue
		}
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '-', c == '@', c == ':', c == '.':
		default:
			return perr.Newf(perr.InvalidValue, "forbidden character %#x", c)
		}
	}
	return nil
}

// ParentName returns the path of the parent container.
func ParentName(name string) string {
	sep := strings.LastIndexByte(name, '/')
	if sep < 0 {
		return RootName
	}
	return name[:sep]
}

func (t *Tree) findLocked(name string) *Container {
	return t.containers[name]
}

// Find resolves a container path.
func (t *Tree) Find(name string) (*Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ct := t.findLocked(name); ct != nil {
		return ct, nil
	}
	return nil, perr.New(perr.ContainerDoesNotExist, "container "+name+" not found")
}

// FindTaskContainer maps a pid onto its container through the freezer
// hierarchy.
func (t *Tree) FindTaskContainer(pid int) (*Container, error) {
	cg, err := fs.FreezerSubsystem.TaskCgroup(pid)
	if err != nil {
		return nil, err
	}
	prefix := config.Get().CgroupPrefix + "/"
	name := strings.ReplaceAll(cg.Name, "%", "/")
	if !strings.HasPrefix(name, prefix) {
		return t.Find(RootName)
	}
	return t.Find(name[len(prefix):])
}

// Create allocates, persists and registers a stopped container. The
// parent is held read-locked across registration.
func (t *Tree) Create(name string, owner Cred) (*Container, error) {
	cfg := config.Get()
	maxCt := cfg.MaxContainers
	superuser := owner.IsRootUser()
	if superuser {
		maxCt += cfg.SuperuserContainers
	}
	if err := validateName(name, superuser); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.findLocked(ParentName(name))
	if parent == nil {
		return nil, perr.New(perr.ContainerDoesNotExist, "parent container not found for "+name)
	}
	if parent.Level == containerLevelMax {
		return nil, perr.Newf(perr.InvalidValue, "maximum container level is %d", containerLevelMax)
	}
	if err := t.lockLocked(parent, true, false); err != nil {
		return nil, err
	}
	defer t.unlockLocked(parent)

	if t.findLocked(name) != nil {
		return nil, perr.New(perr.ContainerAlreadyExists, "container "+name+" already exists")
	}
	if len(t.containers) >= maxCt+cfg.ServiceContainers {
		return nil, perr.Newf(perr.ResourceNotAvailable,
			"number of containers reached limit: %d", maxCt)
	}

	id, err := t.ids.Get()
	if err != nil {
		return nil, perr.New(perr.ResourceNotAvailable, err.Error())
	}

	logrus.Infof("Create CT%d:%s", id, name)

	ct := newContainer(t, parent, id, name)
	ct.OwnerCred = owner
	ct.TaskCred = owner
	ct.SetProp(PropOwnerUser)
	ct.SetProp(PropOwnerGroup)
	ct.SetProp(PropUser)
	ct.SetProp(PropGroup)
	ct.SanitizeCapabilities()
	ct.SetProp(PropState)
	ct.SetProp(PropRespawnCount)

	if err := ct.save(); err != nil {
		t.ids.Put(id)
		return nil, err
	}

	t.containers[name] = ct
	parent.children = append(parent.children, ct)
	t.Stats.ContainersCount++
	t.Stats.ContainersCreated++
	return ct, nil
}

// registerRestored links a container loaded from the store, claiming its
// saved id.
func (t *Tree) registerRestored(ct *Container) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.findLocked(ct.Name) != nil {
		return perr.New(perr.ContainerAlreadyExists, ct.Name)
	}
	if err := t.ids.GetAt(ct.Id); err != nil {
		return perr.New(perr.InvalidValue, err.Error())
	}
	t.containers[ct.Name] = ct
	ct.Parent.children = append(ct.Parent.children, ct)
	t.Stats.ContainersCount++
	t.Stats.ContainersRestored++
	return nil
}

// unregister removes a stopped container from the tree and releases its
// id. The node becomes Destroyed.
func (t *Tree) unregister(ct *Container) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.containers, ct.Name)
	if ct.Parent != nil {
		for i, child := range ct.Parent.children {
			if child == ct {
				ct.Parent.children = append(ct.Parent.children[:i], ct.Parent.children[i+1:]...)
				break
			}
		}
	}
	if err := t.ids.Put(ct.Id); err != nil {
		logrus.Warnf("Cannot put CT%d:%s id: %v", ct.Id, ct.Name, err)
	}
	ct.state = Destroyed
	t.Stats.ContainersCount--
	t.cond.Broadcast()
}

// Walk snapshots all containers, children before their parents, the root
// last.
func (t *Tree) Walk() []*Container {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Root.subtreeLocked()
}

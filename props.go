package porto

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/user"

	"github.com/fsl-jyt/porto/capabilities"
	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/perr"
	"github.com/fsl-jyt/porto/system"
	"github.com/fsl-jyt/porto/utils"
)

const timeLayout = "2006-01-02 15:04:05"

func userName(uid int) string {
	if u, err := user.LookupUid(uid); err == nil {
		return u.Name
	}
	return strconv.Itoa(uid)
}

func groupName(gid int) string {
	if g, err := user.LookupGid(gid); err == nil {
		return g.Name
	}
	return strconv.Itoa(gid)
}

// lookupUid resolves a user name or a numeric uid. The primary gid is
// -1 when the user is not in the password database.
func lookupUid(s string) (int, int, error) {
	if u, err := user.LookupUser(s); err == nil {
		return u.Uid, u.Gid, nil
	}
	uid, err := strconv.Atoi(s)
	if err != nil || uid < 0 {
		return 0, 0, perr.New(perr.InvalidValue, "invalid user "+s)
	}
	return uid, -1, nil
}

func lookupGid(s string) (int, error) {
	if g, err := user.LookupGroup(s); err == nil {
		return g.Gid, nil
	}
	gid, err := strconv.Atoi(s)
	if err != nil || gid < 0 {
		return 0, perr.New(perr.InvalidValue, "invalid group "+s)
	}
	return gid, nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return 0, perr.New(perr.InvalidValue, "invalid duration "+s)
	}
	return d, nil
}

func init() {
	registerProperty(&property{
		name: "state", prop: PropState, readOnly: true, persist: true,
		get: func(c *Container) (string, error) {
			return c.state.String(), nil
		},
		set: func(c *Container, v string) error {
			st, ok := ParseState(v)
			if !ok {
				return perr.New(perr.InvalidState, "invalid state "+v)
			}
			c.state = st
			return nil
		},
	})

	registerProperty(&property{
		name: "owner_user", prop: PropOwnerUser, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return userName(c.OwnerCred.Uid), nil
		},
		set: func(c *Container, v string) error {
			uid, _, err := lookupUid(v)
			if err != nil {
				return err
			}
			c.OwnerCred.Uid = uid
			return nil
		},
	})

	registerProperty(&property{
		name: "owner_group", prop: PropOwnerGroup, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return groupName(c.OwnerCred.Gid), nil
		},
		set: func(c *Container, v string) error {
			gid, err := lookupGid(v)
			if err != nil {
				return err
			}
			c.OwnerCred.Gid = gid
			return nil
		},
	})

	registerProperty(&property{
		name: "user", prop: PropUser, persist: true,
		get: func(c *Container) (string, error) {
			return userName(c.TaskCred.Uid), nil
		},
		set: func(c *Container, v string) error {
			uid, gid, err := lookupUid(v)
			if err != nil {
				return err
			}
			c.TaskCred.Uid = uid
			if gid >= 0 && !c.HasProp(PropGroup) {
				c.TaskCred.Gid = gid
			}
			c.SanitizeCapabilities()
			return nil
		},
	})

	registerProperty(&property{
		name: "group", prop: PropGroup, persist: true,
		get: func(c *Container) (string, error) {
			return groupName(c.TaskCred.Gid), nil
		},
		set: func(c *Container, v string) error {
			gid, err := lookupGid(v)
			if err != nil {
				return err
			}
			c.TaskCred.Gid = gid
			return nil
		},
	})

	registerProperty(&property{
		name: "command", prop: PropCommand, persist: true,
		get: func(c *Container) (string, error) {
			return c.Command, nil
		},
		set: func(c *Container, v string) error {
			c.Command = v
			return nil
		},
	})

	registerProperty(&property{
		name: "env", prop: PropEnv, persist: true,
		get: func(c *Container) (string, error) {
			return formatList(c.Env), nil
		},
		set: func(c *Container, v string) error {
			for _, e := range parseList(v) {
				if !strings.Contains(e, "=") {
					return perr.New(perr.InvalidValue, "env variable without '=': "+e)
				}
			}
			c.Env = parseList(v)
			return nil
		},
		getIndexed: func(c *Container, index string) (string, error) {
			for _, e := range c.Env {
				if name, val, ok := strings.Cut(e, "="); ok && name == index {
					return val, nil
				}
			}
			return "", perr.New(perr.InvalidValue, "env variable "+index+" is not set")
		},
		setIndexed: func(c *Container, index, v string) error {
			if index == "" || strings.ContainsAny(index, "=;") {
				return perr.New(perr.InvalidValue, "invalid env variable name "+index)
			}
			for i, e := range c.Env {
				if name, _, ok := strings.Cut(e, "="); ok && name == index {
					c.Env[i] = index + "=" + v
					return nil
				}
			}
			c.Env = append(c.Env, index+"="+v)
			return nil
		},
	})

	registerProperty(&property{
		name: "isolate", prop: PropIsolate, persist: true,
		get: func(c *Container) (string, error) {
			return formatBool(c.Isolate), nil
		},
		set: func(c *Container, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.Isolate = b
			c.SanitizeCapabilities()
			return nil
		},
	})

	registerProperty(&property{
		name: "virt_mode", prop: PropVirtMode, persist: true,
		get: func(c *Container) (string, error) {
			return c.VirtMode, nil
		},
		set: func(c *Container, v string) error {
			switch v {
			case "app", "os", "meta":
			default:
				return perr.New(perr.InvalidValue, "invalid virt mode "+v)
			}
			c.VirtMode = v
			return nil
		},
	})

	registerProperty(&property{
		name: "root", prop: PropRoot, persist: true,
		get: func(c *Container) (string, error) {
			return c.Root, nil
		},
		set: func(c *Container, v string) error {
			if v == "" || v[0] != '/' {
				return perr.New(perr.InvalidValue, "root path must be absolute: "+v)
			}
			c.Root = v
			c.SanitizeCapabilities()
			return nil
		},
	})

	registerProperty(&property{
		name: "cwd", prop: PropCwd, persist: true,
		get: func(c *Container) (string, error) {
			return c.GetCwd(), nil
		},
		set: func(c *Container, v string) error {
			if v == "" || v[0] != '/' {
				return perr.New(perr.InvalidValue, "cwd path must be absolute: "+v)
			}
			c.Cwd = v
			return nil
		},
	})

	registerProperty(&property{
		name: "hostname", prop: PropHostname, persist: true,
		get: func(c *Container) (string, error) {
			return c.Hostname, nil
		},
		set: func(c *Container, v string) error {
			c.Hostname = v
			return nil
		},
	})

	registerProperty(&property{
		name: "resolv_conf", prop: PropResolvConf, persist: true,
		get: func(c *Container) (string, error) {
			return c.ResolvConf, nil
		},
		set: func(c *Container, v string) error {
			c.ResolvConf = v
			return nil
		},
	})

	registerProperty(&property{
		name: "stdout_path", prop: PropStdoutPath, persist: true,
		get: func(c *Container) (string, error) {
			return c.StdoutPath, nil
		},
		set: func(c *Container, v string) error {
			c.StdoutPath = v
			return nil
		},
	})

	registerProperty(&property{
		name: "stderr_path", prop: PropStderrPath, persist: true,
		get: func(c *Container) (string, error) {
			return c.StderrPath, nil
		},
		set: func(c *Container, v string) error {
			c.StderrPath = v
			return nil
		},
	})

	registerProperty(&property{
		name: "stdout_limit", prop: PropStdoutLimit, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.StdoutLimit, 10), nil
		},
		set: func(c *Container, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			c.StdoutLimit = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "memory_limit", prop: PropMemLimit, dynamic: true, persist: true,
		controllers: cgroups.Memory,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.MemLimit, 10), nil
		},
		set: func(c *Container, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			c.MemLimit = lim
			c.SanitizeCapabilities()
			return nil
		},
	})

	registerProperty(&property{
		name: "memory_guarantee", prop: PropMemGuarantee, dynamic: true, persist: true,
		controllers: cgroups.Memory,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.NewMemGuarantee, 10), nil
		},
		set: func(c *Container, v string) error {
			g, err := parseSize(v)
			if err != nil {
				return err
			}
			if err := c.tree.CheckMemGuarantee(c, g); err != nil {
				return err
			}
			c.NewMemGuarantee = g
			return nil
		},
	})

	registerProperty(&property{
		name: "anon_limit", prop: PropAnonLimit, dynamic: true, persist: true,
		controllers: cgroups.Memory,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.AnonLimit, 10), nil
		},
		set: func(c *Container, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			c.AnonLimit = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "dirty_limit", prop: PropDirtyLimit, dynamic: true, persist: true,
		controllers: cgroups.Memory,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.DirtyLimit, 10), nil
		},
		set: func(c *Container, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			c.DirtyLimit = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "hugetlb_limit", prop: PropHugetlbLimit, dynamic: true, persist: true,
		controllers: cgroups.Hugetlb,
		get: func(c *Container) (string, error) {
			return strconv.FormatInt(c.HugetlbLimit, 10), nil
		},
		set: func(c *Container, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			c.HugetlbLimit = int64(lim)
			return nil
		},
	})

	registerProperty(&property{
		name: "recharge_on_pgfault", prop: PropRechargeOnPgfault, dynamic: true,
		persist: true, controllers: cgroups.Memory,
		get: func(c *Container) (string, error) {
			return formatBool(c.RechargeOnPgfault), nil
		},
		set: func(c *Container, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.RechargeOnPgfault = b
			return nil
		},
	})

	registerProperty(&property{
		name: "pressurize_on_death", prop: PropPressurizeOnDeath, dynamic: true,
		persist: true, controllers: cgroups.Memory,
		get: func(c *Container) (string, error) {
			return formatBool(c.PressurizeOnDeath), nil
		},
		set: func(c *Container, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.PressurizeOnDeath = b
			return nil
		},
	})

	registerProperty(&property{
		name: "oom_is_fatal", prop: PropOomIsFatal, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return formatBool(c.OomIsFatal), nil
		},
		set: func(c *Container, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.OomIsFatal = b
			return nil
		},
	})

	registerProperty(&property{
		name: "oom_score_adj", prop: PropOomScoreAdj, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return strconv.Itoa(c.OomScoreAdj), nil
		},
		set: func(c *Container, v string) error {
			adj, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || adj < -1000 || adj > 1000 {
				return perr.New(perr.InvalidValue, "invalid oom score adjustment "+v)
			}
			c.OomScoreAdj = adj
			return nil
		},
	})

	registerProperty(&property{
		name: "cpu_limit", prop: PropCpuLimit, dynamic: true, persist: true,
		controllers: cgroups.Cpu,
		get: func(c *Container) (string, error) {
			return formatCpuPower(c.CpuLimit), nil
		},
		set: func(c *Container, v string) error {
			lim, err := parseCpuPower(v)
			if err != nil {
				return err
			}
			c.CpuLimit = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "cpu_guarantee", prop: PropCpuGuarantee, dynamic: true, persist: true,
		controllers: cgroups.Cpu,
		get: func(c *Container) (string, error) {
			return formatCpuPower(c.CpuGuarantee), nil
		},
		set: func(c *Container, v string) error {
			g, err := parseCpuPower(v)
			if err != nil {
				return err
			}
			c.CpuGuarantee = g
			return nil
		},
	})

	registerProperty(&property{
		name: "cpu_policy", prop: PropCpuPolicy, dynamic: true, persist: true,
		controllers: cgroups.Cpu,
		get: func(c *Container) (string, error) {
			return c.CpuPolicy, nil
		},
		set: func(c *Container, v string) error {
			switch v {
			case "normal", "idle", "batch", "high", "rt", "iso":
			default:
				return perr.New(perr.InvalidValue, "invalid cpu policy "+v)
			}
			c.CpuPolicy = v
			return nil
		},
	})

	registerProperty(&property{
		name: "cpu_weight", prop: PropCpuWeight, dynamic: true, persist: true,
		controllers: cgroups.Cpu,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.CpuWeight, 10), nil
		},
		set: func(c *Container, v string) error {
			w, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil || w < 1 || w > 1000 {
				return perr.New(perr.InvalidValue, "cpu weight must be in range 1..1000")
			}
			c.CpuWeight = w
			return nil
		},
	})

	registerProperty(&property{
		name: "cpu_period", prop: PropCpuPeriod, dynamic: true, persist: true,
		controllers: cgroups.Cpu,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.CpuPeriod, 10), nil
		},
		set: func(c *Container, v string) error {
			p, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil || p < uint64(time.Millisecond) || p > uint64(time.Second) {
				return perr.New(perr.InvalidValue, "cpu period must be in range 1ms..1s in nanoseconds")
			}
			c.CpuPeriod = p
			return nil
		},
	})

	registerProperty(&property{
		name: "cpu_set", prop: PropCpuSet, dynamic: true, persist: true,
		controllers: cgroups.Cpuset,
		get: func(c *Container) (string, error) {
			switch c.CpuSetType {
			case CpuSetInherit:
				return "", nil
			case CpuSetAbsolute:
				return c.CpuSetArg, nil
			case CpuSetNode:
				return "node " + c.CpuSetArg, nil
			case CpuSetCores:
				return "cores " + c.CpuSetArg, nil
			case CpuSetThreads:
				return "threads " + c.CpuSetArg, nil
			case CpuSetReserve:
				return "reserve " + c.CpuSetArg, nil
			}
			return "", perr.New(perr.Unknown, "unknown cpu set type")
		},
		set: func(c *Container, v string) error {
			typ, arg, err := parseCpuSet(v)
			if err != nil {
				return err
			}
			if c.CpuSetType != typ || c.CpuSetArg != arg {
				c.CpuSetType = typ
				c.CpuSetArg = arg
				c.NewCpuSet = true
			}
			return nil
		},
	})

	registerProperty(&property{
		name: "io_policy", prop: PropIoPolicy, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return c.IoPolicy, nil
		},
		set: func(c *Container, v string) error {
			switch v {
			case "", "normal", "batch", "idle", "rt", "high":
			default:
				return perr.New(perr.InvalidValue, "invalid io policy "+v)
			}
			c.IoPolicy = v
			return nil
		},
	})

	registerProperty(&property{
		name: "io_weight", prop: PropIoWeight, dynamic: true, persist: true,
		controllers: cgroups.Blkio,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.IoWeight, 10), nil
		},
		set: func(c *Container, v string) error {
			w, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil || w < 1 || w > 1000 {
				return perr.New(perr.InvalidValue, "io weight must be in range 1..1000")
			}
			c.IoWeight = w
			return nil
		},
	})

	registerProperty(&property{
		name: "io_limit", prop: PropIoLimit, dynamic: true, persist: true,
		controllers: cgroups.Memory | cgroups.Blkio,
		get: func(c *Container) (string, error) {
			return formatUintMap(c.IoLimit), nil
		},
		set: func(c *Container, v string) error {
			m, err := parseUintMap(v)
			if err != nil {
				return err
			}
			c.IoLimit = m
			return nil
		},
		getIndexed: func(c *Container, index string) (string, error) {
			v, ok := c.IoLimit[index]
			if !ok {
				return "", perr.New(perr.NoValue, "io limit for "+index+" is not set")
			}
			return strconv.FormatUint(v, 10), nil
		},
		setIndexed: func(c *Container, index, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			if c.IoLimit == nil {
				c.IoLimit = map[string]uint64{}
			}
			c.IoLimit[index] = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "io_ops_limit", prop: PropIoOpsLimit, dynamic: true, persist: true,
		controllers: cgroups.Memory | cgroups.Blkio,
		get: func(c *Container) (string, error) {
			return formatUintMap(c.IoOpsLimit), nil
		},
		set: func(c *Container, v string) error {
			m, err := parseUintMap(v)
			if err != nil {
				return err
			}
			c.IoOpsLimit = m
			return nil
		},
		getIndexed: func(c *Container, index string) (string, error) {
			v, ok := c.IoOpsLimit[index]
			if !ok {
				return "", perr.New(perr.NoValue, "io ops limit for "+index+" is not set")
			}
			return strconv.FormatUint(v, 10), nil
		},
		setIndexed: func(c *Container, index, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			if c.IoOpsLimit == nil {
				c.IoOpsLimit = map[string]uint64{}
			}
			c.IoOpsLimit[index] = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "thread_limit", prop: PropThreadLimit, dynamic: true, persist: true,
		controllers: cgroups.Pids,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.ThreadLimit, 10), nil
		},
		set: func(c *Container, v string) error {
			lim, err := parseSize(v)
			if err != nil {
				return err
			}
			c.ThreadLimit = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "ulimit", prop: PropUlimit, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return formatUlimit(c.Ulimit), nil
		},
		set: func(c *Container, v string) error {
			limits, err := parseUlimit(v)
			if err != nil {
				return err
			}
			c.Ulimit = limits
			return nil
		},
		getIndexed: func(c *Container, index string) (string, error) {
			res, ok := ulimitNames[index]
			if !ok {
				return "", perr.New(perr.InvalidValue, "invalid ulimit name "+index)
			}
			for _, l := range c.Ulimit {
				if l.Resource == res {
					return formatUlimit([]system.Rlimit{l}), nil
				}
			}
			return "", perr.New(perr.NoValue, "ulimit "+index+" is not set")
		},
		setIndexed: func(c *Container, index, v string) error {
			limits, err := parseUlimit(index + ": " + v)
			if err != nil {
				return err
			}
			for i, l := range c.Ulimit {
				if l.Resource == limits[0].Resource {
					c.Ulimit[i] = limits[0]
					return nil
				}
			}
			c.Ulimit = append(c.Ulimit, limits[0])
			return nil
		},
	})

	registerProperty(&property{
		name: "capabilities", prop: PropCapabilities, persist: true,
		get: func(c *Container) (string, error) {
			return c.CapLimit.Format(), nil
		},
		set: func(c *Container, v string) error {
			set, err := capabilities.Parse(v)
			if err != nil {
				return err
			}
			c.CapLimit = set
			c.SanitizeCapabilities()
			return nil
		},
	})

	registerProperty(&property{
		name: "capabilities_ambient", prop: PropCapAmbient, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return c.CapAmbient.Format(), nil
		},
		set: func(c *Container, v string) error {
			set, err := capabilities.Parse(v)
			if err != nil {
				return err
			}
			if !set.IsSubsetOf(c.CapAllowed) {
				return perr.New(perr.Permission,
					"ambient capabilities are not allowed: "+set.AndNot(c.CapAllowed).Format())
			}
			c.CapAmbient = set
			return nil
		},
	})

	registerProperty(&property{
		name: "devices", prop: PropDevices, dynamic: true, persist: true,
		controllers: cgroups.Devices,
		get: func(c *Container) (string, error) {
			return formatList(c.Devices), nil
		},
		set: func(c *Container, v string) error {
			c.Devices = parseList(v)
			return nil
		},
	})

	registerProperty(&property{
		name: "controllers", prop: PropControllers, persist: true,
		get: func(c *Container) (string, error) {
			return cgroups.Format(c.Controllers), nil
		},
		set: func(c *Container, v string) error {
			var mask uint64
			for _, name := range strings.Split(v, ";") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				bit, ok := cgroups.ParseController(name)
				if !ok {
					return perr.New(perr.InvalidValue, "unknown controller "+name)
				}
				mask |= bit
			}
			if c.RequiredControllers&^mask != 0 {
				return perr.New(perr.InvalidValue, "required controllers cannot be disabled: "+
					cgroups.Format(c.RequiredControllers&^mask))
			}
			c.Controllers = mask | cgroups.Freezer
			return nil
		},
		getIndexed: func(c *Container, index string) (string, error) {
			bit, ok := cgroups.ParseController(index)
			if !ok {
				return "", perr.New(perr.InvalidValue, "unknown controller "+index)
			}
			return formatBool(c.Controllers&bit != 0), nil
		},
		setIndexed: func(c *Container, index, v string) error {
			bit, ok := cgroups.ParseController(index)
			if !ok {
				return perr.New(perr.InvalidValue, "unknown controller "+index)
			}
			enable, err := parseBool(v)
			if err != nil {
				return err
			}
			if enable {
				c.Controllers |= bit
			} else {
				if c.RequiredControllers&bit != 0 || bit == cgroups.Freezer {
					return perr.New(perr.InvalidValue,
						"controller "+index+" cannot be disabled")
				}
				c.Controllers &^= bit
			}
			return nil
		},
	})

	registerProperty(&property{
		name: "respawn", prop: PropRespawn, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return formatBool(c.AutoRespawn), nil
		},
		set: func(c *Container, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.AutoRespawn = b
			return nil
		},
	})

	registerProperty(&property{
		name: "respawn_limit", prop: PropRespawnLimit, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return strconv.FormatInt(c.RespawnLimit, 10), nil
		},
		set: func(c *Container, v string) error {
			lim, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return perr.New(perr.InvalidValue, "invalid respawn limit "+v)
			}
			c.RespawnLimit = lim
			return nil
		},
	})

	registerProperty(&property{
		name: "respawn_count", prop: PropRespawnCount, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.RespawnCount, 10), nil
		},
		set: func(c *Container, v string) error {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return perr.New(perr.InvalidValue, "invalid respawn count "+v)
			}
			c.RespawnCount = n
			return nil
		},
	})

	registerProperty(&property{
		name: "respawn_delay", prop: PropRespawnDelay, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return c.RespawnDelay.String(), nil
		},
		set: func(c *Container, v string) error {
			d, err := parseDuration(v)
			if err != nil {
				return err
			}
			c.RespawnDelay = d
			return nil
		},
	})

	registerProperty(&property{
		name: "aging_time", prop: PropAgingTime, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return c.AgingTime.String(), nil
		},
		set: func(c *Container, v string) error {
			d, err := parseDuration(v)
			if err != nil {
				return err
			}
			c.AgingTime = d
			return nil
		},
	})

	registerProperty(&property{
		name: "weak", prop: PropWeak, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return formatBool(c.IsWeak), nil
		},
		set: func(c *Container, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.IsWeak = b
			return nil
		},
	})

	registerProperty(&property{
		name: "private", prop: PropPrivate, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return c.Private, nil
		},
		set: func(c *Container, v string) error {
			if len(v) > 4096 {
				return perr.New(perr.InvalidValue, "private value too long")
			}
			c.Private = v
			return nil
		},
	})

	registerProperty(&property{
		name: "labels", prop: PropLabels, dynamic: true, persist: true,
		get: func(c *Container) (string, error) {
			return formatLabels(c.Labels), nil
		},
		set: func(c *Container, v string) error {
			labels := map[string]string{}
			for _, item := range parseList(v) {
				key, val, ok := strings.Cut(item, ":")
				if !ok {
					return perr.New(perr.InvalidLabel, "invalid label format")
				}
				key = strings.TrimSpace(key)
				val = strings.TrimSpace(val)
				if err := validateLabel(key, val); err != nil {
					return err
				}
				labels[key] = val
			}
			if len(labels) > labelsMax {
				return perr.Newf(perr.ResourceNotAvailable,
					"too many labels, limit is %d", labelsMax)
			}
			c.Labels = labels
			return nil
		},
		getIndexed: func(c *Container, index string) (string, error) {
			v, ok := c.Labels[index]
			if !ok {
				return "", perr.New(perr.LabelNotFound, "label "+index+" is not set")
			}
			return v, nil
		},
		setIndexed: func(c *Container, index, v string) error {
			return c.setLabelLocked(index, v)
		},
	})

	registerProperty(&property{
		name: "root_pid", prop: PropRootPid, readOnly: true, runtimeOnly: true,
		get: func(c *Container) (string, error) {
			if c.Task == 0 {
				return "", perr.New(perr.NoValue, "container has no task")
			}
			return strconv.Itoa(c.Task), nil
		},
	})

	registerProperty(&property{
		name: "exit_status", prop: PropExitStatus, readOnly: true, persist: true,
		get: func(c *Container) (string, error) {
			if !c.HasProp(PropExitStatus) {
				return "", perr.New(perr.NoValue, "container has not exited")
			}
			return strconv.Itoa(c.ExitStatus), nil
		},
		set: func(c *Container, v string) error {
			st, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return perr.New(perr.InvalidValue, "invalid exit status "+v)
			}
			c.ExitStatus = st
			return nil
		},
	})

	registerProperty(&property{
		name: "oom_killed", prop: PropOomKilled, readOnly: true, persist: true,
		get: func(c *Container) (string, error) {
			return formatBool(c.OomKilled), nil
		},
		set: func(c *Container, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.OomKilled = b
			return nil
		},
	})

	registerProperty(&property{
		name: "oom_events", prop: numProps, readOnly: true,
		get: func(c *Container) (string, error) {
			return strconv.FormatUint(c.OomEvents, 10), nil
		},
	})

	registerProperty(&property{
		name: "creation_time", prop: PropCreationTime, readOnly: true, persist: true,
		get: func(c *Container) (string, error) {
			return c.CreationTime.Format(timeLayout), nil
		},
		set: func(c *Container, v string) error {
			t, err := time.ParseInLocation(timeLayout, v, time.Local)
			if err != nil {
				return perr.New(perr.InvalidValue, "invalid time "+v)
			}
			c.CreationTime = t
			return nil
		},
	})

	registerProperty(&property{
		name: "start_time", prop: PropStartTime, readOnly: true, persist: true,
		get: func(c *Container) (string, error) {
			if c.StartTime.IsZero() {
				return "", perr.New(perr.NoValue, "container was not started")
			}
			return c.StartTime.Format(timeLayout), nil
		},
		set: func(c *Container, v string) error {
			t, err := time.ParseInLocation(timeLayout, v, time.Local)
			if err != nil {
				return perr.New(perr.InvalidValue, "invalid time "+v)
			}
			c.StartTime = t
			return nil
		},
	})

	registerProperty(&property{
		name: "death_time", prop: PropDeathTime, readOnly: true, persist: true,
		get: func(c *Container) (string, error) {
			if c.DeathTime.IsZero() {
				return "", perr.New(perr.NoValue, "container is not dead")
			}
			return c.DeathTime.Format(timeLayout), nil
		},
		set: func(c *Container, v string) error {
			t, err := time.ParseInLocation(timeLayout, v, time.Local)
			if err != nil {
				return perr.New(perr.InvalidValue, "invalid time "+v)
			}
			c.DeathTime = t
			return nil
		},
	})

	registerProperty(&property{
		name: "id", prop: numProps, readOnly: true,
		get: func(c *Container) (string, error) {
			return strconv.Itoa(c.Id), nil
		},
	})

	registerProperty(&property{
		name: "name", prop: numProps, readOnly: true,
		get: func(c *Container) (string, error) {
			return c.Name, nil
		},
	})

	registerProperty(&property{
		name: "level", prop: numProps, readOnly: true,
		get: func(c *Container) (string, error) {
			return strconv.Itoa(c.Level), nil
		},
	})

	registerProperty(&property{
		name: "memory_usage", prop: numProps, readOnly: true, runtimeOnly: true,
		get: func(c *Container) (string, error) {
			usage, err := fs.MemorySubsystem.Usage(c.GetCgroup(fs.MemorySubsystem.Hierarchy))
			if err != nil {
				return "", err
			}
			return strconv.FormatUint(usage, 10), nil
		},
	})

	registerProperty(&property{
		name: "cpu_usage", prop: numProps, readOnly: true, runtimeOnly: true,
		get: func(c *Container) (string, error) {
			usage, err := fs.CpuacctSubsystem.Usage(c.GetCgroup(fs.CpuacctSubsystem.Hierarchy))
			if err != nil {
				return "", err
			}
			return strconv.FormatUint(usage, 10), nil
		},
	})
}

// parseCpuSet understands "", a cpu list, "node N", "cores N",
// "threads N" and "reserve N".
func parseCpuSet(v string) (CpuSetType, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return CpuSetInherit, "", nil
	}
	if kind, arg, ok := strings.Cut(v, " "); ok {
		arg = strings.TrimSpace(arg)
		var typ CpuSetType
		switch kind {
		case "node":
			typ = CpuSetNode
		case "cores":
			typ = CpuSetCores
		case "threads":
			typ = CpuSetThreads
		case "reserve":
			typ = CpuSetReserve
		default:
			return CpuSetInherit, "", perr.New(perr.InvalidValue, "invalid cpu set "+v)
		}
		if _, err := strconv.ParseUint(arg, 10, 32); err != nil {
			return CpuSetInherit, "", perr.New(perr.InvalidValue, "invalid cpu set "+v)
		}
		return typ, arg, nil
	}
	var bm utils.BitMap
	if err := bm.Parse(v); err != nil {
		return CpuSetInherit, "", perr.New(perr.InvalidValue, "invalid cpu set "+v)
	}
	return CpuSetAbsolute, v, nil
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(labels[k])
	}
	return sb.String()
}

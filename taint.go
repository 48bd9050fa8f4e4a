package porto

import (
	"strings"

	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
)

// Taint lists non-fatal misconfigurations worth telling the user about.
// None of them blocks start, they just will not do what the user meant.
func (c *Container) Taint() []string {
	var t []string
	if c.MemGuarantee != 0 && c.MemLimit != 0 && c.MemGuarantee > c.MemLimit {
		t = append(t, "memory guarantee is above memory limit")
	}
	if c.AnonLimit != 0 && c.MemLimit != 0 && c.AnonLimit > c.MemLimit {
		t = append(t, "anon limit is above memory limit")
	}
	if c.CpuGuarantee != 0 && c.CpuLimit != 0 && c.CpuGuarantee > c.CpuLimit {
		t = append(t, "cpu guarantee is above cpu limit")
	}
	if c.AutoRespawn && c.IsMeta() {
		t = append(t, "respawn has no effect on meta container")
	}
	if c.ThreadLimit != 0 && !fs.PidsSubsystem.Supported {
		t = append(t, "thread limit without pids controller")
	}
	if c.CpuSetType != CpuSetInherit && !fs.CpusetSubsystem.Supported {
		t = append(t, "cpu set without cpuset controller")
	}
	if c.OomIsFatal && c.Controllers&cgroups.Memory == 0 {
		t = append(t, "oom detection without memory controller")
	}
	for p := c.Parent; p != nil; p = p.Parent {
		if p.MemLimit != 0 && c.MemGuarantee > p.MemLimit {
			t = append(t, "memory guarantee is above parent memory limit")
			break
		}
	}
	return t
}

func init() {
	registerProperty(&property{
		name: "taint", prop: numProps, readOnly: true,
		get: func(c *Container) (string, error) {
			return strings.Join(c.Taint(), "\n"), nil
		},
	})
}

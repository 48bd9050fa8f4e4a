package fs

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/perr"
)

type FreezerGroup struct {
	*Hierarchy
}

// waitState polls freezer.state until it matches, with a bounded number of
// attempts. The kernel freezes a group asynchronously.
func (s *FreezerGroup) waitState(cg *Cgroup, state string) error {
	cfg := config.Get()
	for attempt := 0; attempt < cfg.FreezerWaitAttempts; attempt++ {
		cur, err := cg.Knob("freezer.state")
		if err != nil {
			logrus.Warnf("Cannot read freezer state of %s: %v", cg, err)
		} else if cur == state {
			return nil
		}
		time.Sleep(cfg.FreezerWaitInterval)
	}
	return perr.Newf(perr.Unknown, "cannot wait for freezer state %s in %s", state, cg)
}

func (s *FreezerGroup) Freeze(cg *Cgroup) error {
	logrus.Infof("Freeze %s", cg)
	if err := cg.SetKnob("freezer.state", "FROZEN"); err != nil {
		return err
	}
	return s.waitState(cg, "FROZEN")
}

// Thaw unfreezes the group. With wait unset the caller does not care when
// the kernel finishes, e.g. when thawing children that are about to die.
func (s *FreezerGroup) Thaw(cg *Cgroup, wait bool) error {
	logrus.Infof("Thaw %s", cg)
	if err := cg.SetKnob("freezer.state", "THAWED"); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	return s.waitState(cg, "THAWED")
}

// IsFrozen reports whether the group is frozen by itself or by an ancestor.
func (s *FreezerGroup) IsFrozen(cg *Cgroup) bool {
	state, err := cg.Knob("freezer.state")
	return err == nil && state != "THAWED"
}

// IsSelfFreezing reports whether the group was frozen explicitly rather
// than through a frozen ancestor.
func (s *FreezerGroup) IsSelfFreezing(cg *Cgroup) bool {
	v, err := cg.KnobUint64("freezer.self_freezing")
	return err == nil && v != 0
}

func (s *FreezerGroup) IsParentFreezing(cg *Cgroup) bool {
	v, err := cg.KnobUint64("freezer.parent_freezing")
	return err == nil && v != 0
}

package porto

import (
	"strconv"
	"strings"

	"github.com/fsl-jyt/porto/perr"
)

// Labels are user-defined "PREFIX.name" keys. The uppercase prefix keeps
// them apart from property names.

const (
	labelPrefixMin = 2
	labelPrefixMax = 16
	labelNameMax   = 128
	labelValueMax  = 256
	labelsMax      = 100
)

func validateLabel(key, value string) error {
	prefix, name, ok := strings.Cut(key, ".")
	if !ok || len(prefix) < labelPrefixMin || len(prefix) > labelPrefixMax {
		return perr.New(perr.InvalidLabel, "invalid label key "+key)
	}
	for i := 0; i < len(prefix); i++ {
		if prefix[i] < 'A' || prefix[i] > 'Z' {
			return perr.New(perr.InvalidLabel, "invalid label key "+key)
		}
	}
	if name == "" || len(name) > labelNameMax {
		return perr.New(perr.InvalidLabel, "invalid label key "+key)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '-', c == '.':
		default:
			return perr.New(perr.InvalidLabel, "invalid label key "+key)
		}
	}
	if len(value) > labelValueMax {
		return perr.New(perr.InvalidLabel, "label value too long for "+key)
	}
	return nil
}

func (c *Container) setLabelLocked(key, value string) error {
	if err := validateLabel(key, value); err != nil {
		return err
	}
	if value == "" {
		delete(c.Labels, key)
		return nil
	}
	if _, ok := c.Labels[key]; !ok && len(c.Labels) >= labelsMax {
		return perr.Newf(perr.ResourceNotAvailable, "too many labels, limit is %d", labelsMax)
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	c.Labels[key] = value
	return nil
}

// SetLabel sets, replaces or with an empty value removes one label and
// persists the container. The caller must hold at least the read lock.
func (c *Container) SetLabel(key, value string) error {
	c.tree.mu.Lock()
	err := c.setLabelLocked(key, value)
	c.tree.mu.Unlock()
	if err != nil {
		return err
	}
	c.SetProp(PropLabels)
	c.notifyLabelWaiters(key, value)
	return c.save()
}

// GetLabel resolves one label.
func (c *Container) GetLabel(key string) (string, error) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if v, ok := c.Labels[key]; ok {
		return v, nil
	}
	return "", perr.New(perr.LabelNotFound, "label "+key+" is not set")
}

// IncLabel atomically adds to a numeric label and returns the result.
// A missing label starts from zero.
func (c *Container) IncLabel(key string, add int64) (int64, error) {
	value, err := c.incLabelLocked(key, add)
	if err != nil {
		return 0, err
	}
	c.SetProp(PropLabels)
	c.notifyLabelWaiters(key, strconv.FormatInt(value, 10))
	return value, c.save()
}

func (c *Container) incLabelLocked(key string, add int64) (int64, error) {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	if err := validateLabel(key, ""); err != nil {
		return 0, err
	}
	var value int64
	if s, ok := c.Labels[key]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, perr.New(perr.InvalidValue, "label "+key+" is not a number")
		}
		value = v
	} else if len(c.Labels) >= labelsMax {
		return 0, perr.Newf(perr.ResourceNotAvailable, "too many labels, limit is %d", labelsMax)
	}
	value += add
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	c.Labels[key] = strconv.FormatInt(value, 10)
	return value, nil
}

// FindLabel scans the subtree of the named container for a label, "/"
// meaning everything.
func (t *Tree) FindLabel(where, key string) (map[string]string, error) {
	ct, err := t.Find(where)
	if err != nil {
		return nil, err
	}
	found := map[string]string{}
	for _, c := range ct.Subtree() {
		if v, ok := c.Labels[key]; ok {
			found[c.Name] = v
		}
	}
	return found, nil
}

// Package kv is the persistence backend: one text file per container id
// holding key-value records, rewritten atomically on every save.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/perr"
)

// Record is one saved property in string form.
type Record struct {
	Key   string
	Value string
}

// Store keeps records under a single directory, file name is the
// container id.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, perr.System("mkdir "+dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id int) string {
	return filepath.Join(s.dir, strconv.Itoa(id))
}

var valueEscaper = strings.NewReplacer("\\", "\\\\", "\n", "\\n")

func unescapeValue(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
			if v[i] == 'n' {
				b.WriteByte('\n')
			} else {
				b.WriteByte(v[i])
			}
			continue
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

// Save rewrites the record file for id. The temporary file is renamed
// into place so a crash leaves either the old or the new set.
func (s *Store) Save(id int, records []Record) error {
	var b strings.Builder
	for _, r := range records {
		if strings.ContainsAny(r.Key, " \n") {
			return perr.Newf(perr.InvalidValue, "invalid record key %q", r.Key)
		}
		fmt.Fprintf(&b, "%s %s\n", r.Key, valueEscaper.Replace(r.Value))
	}
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0600); err != nil {
		return perr.System("write "+tmp, err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		os.Remove(tmp)
		return perr.System("rename "+tmp, err)
	}
	return nil
}

// Load returns the saved records of id in file order.
func (s *Store) Load(id int) ([]Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perr.Newf(perr.NoValue, "no record for id %d", id)
		}
		return nil, perr.System("read "+s.path(id), err)
	}
	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok || key == "" {
			logrus.Warnf("Skip malformed record line %q for id %d", line, id)
			continue
		}
		records = append(records, Record{Key: key, Value: unescapeValue(value)})
	}
	return records, nil
}

// List returns all saved ids in ascending order. Leftover temporary
// files are removed on the way.
func (s *Store) List() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, perr.System("readdir "+s.dir, err)
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(filepath.Join(s.dir, name))
			continue
		}
		id, err := strconv.Atoi(name)
		if err != nil {
			logrus.Warnf("Alien file %s in kv store", name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Delete removes the record file. A missing file is not an error.
func (s *Store) Delete(id int) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return perr.System("remove "+s.path(id), err)
	}
	return nil
}

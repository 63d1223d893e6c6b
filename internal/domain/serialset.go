package domain

import (
	"encoding/json"
	"sort"
)

// SerialSet is a membership-only set of serial numbers. It serializes as a sorted array of
// unique strings and deserializes back into a set, dropping duplicates.
type SerialSet struct {
	m map[string]struct{}
}

func NewSerialSet(serials ...string) SerialSet {
	s := SerialSet{m: make(map[string]struct{}, len(serials))}
	for _, v := range serials {
		s.m[v] = struct{}{}
	}
	return s
}

func (s SerialSet) Has(serial string) bool {
	_, ok := s.m[serial]
	return ok
}

// Add inserts serial and reports whether it was already present.
func (s *SerialSet) Add(serial string) bool {
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	if _, ok := s.m[serial]; ok {
		return true
	}
	s.m[serial] = struct{}{}
	return false
}

func (s *SerialSet) Remove(serial string) {
	delete(s.m, serial)
}

func (s SerialSet) Len() int {
	return len(s.m)
}

func (s SerialSet) Sorted() []string {
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s SerialSet) Clone() SerialSet {
	out := SerialSet{m: make(map[string]struct{}, len(s.m))}
	for k := range s.m {
		out.m[k] = struct{}{}
	}
	return out
}

func (s SerialSet) Equal(other SerialSet) bool {
	if len(s.m) != len(other.m) {
		return false
	}
	for k := range s.m {
		if _, ok := other.m[k]; !ok {
			return false
		}
	}
	return true
}

func (s SerialSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *SerialSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewSerialSet(list...)
	return nil
}

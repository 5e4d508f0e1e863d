package fetcher

import "maps"

// Departments maps a department name to its page URL.
type Departments map[string]string

func (d Departments) Clone() Departments {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

func (d Departments) IsNil() bool { return d == nil }

// GroupRef carries the scraped identifiers of one group.
type GroupRef struct {
	GroupID      string `json:"group_id"`
	DepartmentID string `json:"department_id"`
}

// Groups maps a group name to its identifiers within one department.
type Groups map[string]GroupRef

func (g Groups) Clone() Groups {
	if g == nil {
		return nil
	}
	return maps.Clone(g)
}

func (g Groups) IsNil() bool { return g == nil }

// Lookup finds a name with a case-insensitive, whitespace-normalized match.
func (d Departments) Lookup(name string) (string, string, bool) {
	if u, ok := d[name]; ok {
		return name, u, true
	}
	want := fold.String(clean(name))
	for k, u := range d {
		if fold.String(clean(k)) == want {
			return k, u, true
		}
	}
	return "", "", false
}

// Lookup finds a group with a case-insensitive, whitespace-normalized match.
func (g Groups) Lookup(name string) (GroupRef, bool) {
	if r, ok := g[name]; ok {
		return r, true
	}
	want := fold.String(clean(name))
	for k, r := range g {
		if fold.String(clean(k)) == want {
			return r, true
		}
	}
	return GroupRef{}, false
}

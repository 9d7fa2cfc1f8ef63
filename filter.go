package nostrclient

// Filter describes which events a subscription or query wants.
// Tags maps a tag key (without the "#" prefix) to the accepted values,
// e.g. {"e": [...ids...]} or {"h": [...group ids...]}.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// wireFilter builds the JSON filter object sent inside a REQ frame.
func (f Filter) wireFilter() map[string]interface{} {
	obj := map[string]interface{}{}
	if len(f.IDs) > 0 {
		obj["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		obj["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		obj["kinds"] = f.Kinds
	}
	for key, values := range f.Tags {
		if len(values) > 0 {
			obj["#"+key] = values
		}
	}
	if f.Since != nil {
		obj["since"] = *f.Since
	}
	if f.Until != nil {
		obj["until"] = *f.Until
	}
	if f.Limit > 0 {
		obj["limit"] = f.Limit
	}
	return obj
}

// Matches reports whether an event satisfies the filter predicate.
// Used by the local event cache; relays apply the same semantics remotely.
func (f Filter) Matches(evt *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for key, wanted := range f.Tags {
		if len(wanted) == 0 {
			continue
		}
		matched := false
	tagScan:
		for _, tag := range evt.Tags {
			if len(tag) < 2 || tag[0] != key {
				continue
			}
			for _, w := range wanted {
				if tag[1] == w {
					matched = true
					break tagScan
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Int64Ptr is a convenience for building Since/Until bounds.
func Int64Ptr(v int64) *int64 {
	return &v
}

package repo

import "slices"

// copyResult returns a copy of a query result that shares no slices with
// v. Values of other types are returned as is.
func copyResult[T any](v T) T {
	var out any
	switch x := any(v).(type) {
	case Status:
		x.Files = slices.Clone(x.Files)
		out = x
	case Config:
		x.Remotes = copyRemotes(x.Remotes)
		x.Branches = slices.Clone(x.Branches)
		out = x
	case []Branch:
		out = slices.Clone(x)
	case []Tag:
		out = slices.Clone(x)
	case []Commit:
		out = slices.Clone(x)
	case []Contributor:
		out = slices.Clone(x)
	case []Remote:
		out = copyRemotes(x)
	default:
		return v
	}
	return out.(T)
}

func copyRemotes(remotes []Remote) []Remote {
	if remotes == nil {
		return nil
	}
	out := make([]Remote, len(remotes))
	for i, r := range remotes {
		out[i] = Remote{Name: r.Name, URLs: slices.Clone(r.URLs)}
	}
	return out
}

// Package directory resolves group IDs to display names. A miss is not an
// error; callers fall back to other sources or leave the name absent.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"

	"groupcal/internal/model"
)

// Directory answers group name lookups and enumerates known groups.
type Directory interface {
	LookupGroupName(ctx context.Context, groupID string) (string, bool)
	GroupIDs(ctx context.Context) ([]string, error)
}

// Static is a fixed directory, usually built from the config file.
type Static struct {
	names map[string]string
}

func NewStatic(groups []model.Group) *Static {
	names := make(map[string]string, len(groups))
	for _, g := range groups {
		id := strings.TrimSpace(g.ID)
		name := strings.TrimSpace(g.Name)
		if id == "" || name == "" {
			continue
		}
		names[id] = name
	}
	return &Static{names: names}
}

func (s *Static) LookupGroupName(_ context.Context, groupID string) (string, bool) {
	name, ok := s.names[groupID]
	return name, ok
}

func (s *Static) GroupIDs(context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.names))
	for id := range s.names {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Chain consults each directory in order; the first hit wins. GroupIDs is
// the union of every member that answers.
type Chain []Directory

func (c Chain) LookupGroupName(ctx context.Context, groupID string) (string, bool) {
	for _, d := range c {
		if name, ok := d.LookupGroupName(ctx, groupID); ok {
			return name, true
		}
	}
	return "", false
}

func (c Chain) GroupIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var errs []error
	for _, d := range c {
		ids, err := d.GroupIDs(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	if len(errs) == len(c) && len(c) > 0 {
		return nil, errors.Join(errs...)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package history

import (
	"context"
	"time"

	"github.com/ManuGH/pkgd/internal/rpmpkg"
)

// Change is the net effect of recent transactions on one name.arch.
type Change struct {
	Name        string
	Arch        string
	EVR         string
	OriginalEVR string
}

// Changes groups the net effects by kind.
type Changes struct {
	Installed  []Change
	Removed    []Change
	Upgraded   []Change
	Downgraded []Change
}

type netState struct {
	order     int
	name      string
	arch      string
	wasThere  bool
	present   bool
	origEVR   string
	evr       string
	direction int
}

// RecentChanges classifies what successful transactions did to each package.
// With a zero since only the latest transaction is considered; otherwise
// every OK transaction that ended after since. An install later undone by
// a remove yields nothing.
func (s *Store) RecentChanges(ctx context.Context, since time.Time) (Changes, error) {
	var (
		recs []Record
		err  error
	)
	if since.IsZero() {
		recs, err = s.query(ctx, `WHERE id = (SELECT MAX(id) FROM trans)`, nil)
	} else {
		recs, err = s.query(ctx, `WHERE dt_end > ?`, []any{since.Unix()})
	}
	if err != nil {
		return Changes{}, err
	}
	return classify(recs), nil
}

func classify(recs []Record) Changes {
	seen := map[string]*netState{}
	var ordered []*netState

	for _, r := range recs {
		if r.State != StateOK {
			continue
		}
		for _, it := range r.Items {
			if it.Action == rpmpkg.ActionReasonChange || !it.Action.Valid() {
				continue
			}
			p := it.Package
			st, ok := seen[p.NA()]
			if !ok {
				st = &netState{order: len(ordered), name: p.Name, arch: p.Arch}
				st.wasThere = it.Action != rpmpkg.ActionInstall && it.Action != rpmpkg.ActionObsolete
				st.present = st.wasThere
				if it.Action.Erasure() {
					st.origEVR = p.EVR()
				}
				seen[p.NA()] = st
				ordered = append(ordered, st)
			}

			st.evr = p.EVR()
			switch {
			case it.Action.Erasure():
				st.present = false
			default:
				st.present = true
			}
			switch it.Action {
			case rpmpkg.ActionUpgrade:
				st.direction = 1
			case rpmpkg.ActionDowngrade:
				st.direction = -1
			}
		}
	}

	var out Changes
	for _, st := range ordered {
		c := Change{Name: st.name, Arch: st.arch, EVR: st.evr}
		switch {
		case !st.wasThere && st.present:
			out.Installed = append(out.Installed, c)
		case st.wasThere && !st.present:
			if st.origEVR != "" {
				c.EVR = st.origEVR
			}
			out.Removed = append(out.Removed, c)
		case st.wasThere && st.present && st.direction > 0:
			c.OriginalEVR = st.origEVR
			out.Upgraded = append(out.Upgraded, c)
		case st.wasThere && st.present && st.direction < 0:
			c.OriginalEVR = st.origEVR
			out.Downgraded = append(out.Downgraded, c)
		}
	}
	return out
}

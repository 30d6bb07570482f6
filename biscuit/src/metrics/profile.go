package metrics

import (
	"fmt"
	"io"

	"oom"

	"github.com/google/pprof/profile"
)

// ScoreProfile renders the OOM reaper's current score table as a pprof
// profile: one sample per live user task, valued by its score (present
// page count), located at a synthetic "pid N" frame so the pprof tool's
// normal top/list views work unmodified. Grounded on profile.Profile's
// public shape; the teacher already depends on github.com/google/pprof for
// its own misc tooling.
func ScoreProfile(e *oom.Engine) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "pages", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "oom_score", Unit: "count"},
		Period:     1,
	}
	for _, entry := range e.ScoreTable() {
		fn := &profile.Function{
			ID:   uint64(len(p.Function)) + 1,
			Name: fmt.Sprintf("pid %d", entry.Pid),
		}
		loc := &profile.Location{
			ID:   uint64(len(p.Location)) + 1,
			Line: []profile.Line{{Function: fn, Line: int64(entry.Pid)}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(entry.Score)},
		})
	}
	return p
}

/// WriteScoreProfile renders and gzip-encodes the current score table to w,
/// the format pprof's own client expects on a /debug/pprof-style endpoint.
func WriteScoreProfile(e *oom.Engine, w io.Writer) error {
	return ScoreProfile(e).Write(w)
}

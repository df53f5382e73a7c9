// Package ingestionresult defines the aggregated terminal outcome of an
// ingestion session (spec §3 IngestionResult / IngestionResponse).
package ingestionresult

import "github.com/osprey-dcs/dp-jal-sub001/internal/wire"

// Exception is a per-request exceptional result, kind-tagged with a
// human-readable message (spec §3).
type Exception struct {
	UID     wire.RequestUID
	Kind    string
	Message string
}

// Result is the aggregated terminal outcome of one ingestion session:
// the UIDs transmitted, the UIDs acknowledged, and any exceptions
// encountered (including UIDs transmitted but never acknowledged).
type Result struct {
	Transmitted []wire.RequestUID
	Acknowledged []wire.RequestUID
	Exceptions   []Exception
}

// HasException reports whether this result carries any exceptional or
// unacknowledged outcome. This is the single predicate for session
// success (spec §7).
func (r *Result) HasException() bool {
	if r == nil {
		return false
	}
	return len(r.Exceptions) > 0
}

// NULL is the sentinel for "no result yet available" (spec §3).
var NULL = &Result{}

// IsNull reports whether r is the NULL sentinel (no activity recorded).
func IsNull(r *Result) bool {
	return r == nil || (len(r.Transmitted) == 0 && len(r.Acknowledged) == 0 && len(r.Exceptions) == 0)
}

// Build reconciles a transmitted-UID set against collected
// acknowledgements and exceptions, placing any transmitted UID lacking
// an acknowledgement into Exceptions as a "lost" outcome (spec §4.D
// result aggregation; §9 "treat any unmatched UID as a potential
// loss").
func Build(transmitted []wire.RequestUID, acked []wire.RequestUID, exceptions []Exception) *Result {
	ackedSet := make(map[wire.RequestUID]bool, len(acked))
	for _, u := range acked {
		ackedSet[u] = true
	}
	exceptionSet := make(map[wire.RequestUID]bool, len(exceptions))
	for _, e := range exceptions {
		exceptionSet[e.UID] = true
	}

	out := append([]Exception(nil), exceptions...)
	for _, uid := range transmitted {
		if !ackedSet[uid] && !exceptionSet[uid] {
			out = append(out, Exception{
				UID:     uid,
				Kind:    "lost",
				Message: "transmitted but never acknowledged",
			})
		}
	}

	return &Result{
		Transmitted:  append([]wire.RequestUID(nil), transmitted...),
		Acknowledged: append([]wire.RequestUID(nil), acked...),
		Exceptions:   out,
	}
}

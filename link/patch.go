package link

import (
	"sort"

	"github.com/chazu/quatch/qvm"
)

// CallSite is a direct call: the CONST at Index loads Target, the next
// instruction is CALL.
type CallSite struct {
	Index  int
	Target uint32
}

// Syscall reports whether the call goes to the engine instead of VM code.
func (c CallSite) Syscall() bool {
	return int32(c.Target) < 0
}

// CallSites lists the direct calls in img.Code[:limit].
func CallSites(img *qvm.Image, limit int) []CallSite {
	code := img.Code[:min(max(limit, 0), len(img.Code))]
	var sites []CallSite
	for i := range code {
		if target, ok := qvm.IsCallTo(code, i); ok {
			sites = append(sites, CallSite{Index: i, Target: target})
		}
	}
	return sites
}

// CallCounts groups call sites by target.
func CallCounts(sites []CallSite) map[uint32]int {
	out := make(map[uint32]int)
	for _, s := range sites {
		out[s.Target]++
	}
	return out
}

// Targets returns the distinct targets in ascending order.
func Targets(sites []CallSite) []uint32 {
	counts := CallCounts(sites)
	out := make([]uint32, 0, len(counts))
	for t := range counts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReplaceCalls redirects every direct call to target within
// img.Code[:limit] so it calls repl instead, and returns how many were
// rewritten. limit is the instruction count of the code being patched;
// code appended later already has its calls resolved. With no match the
// image is untouched and the error is a *PatchError.
func ReplaceCalls(img *qvm.Image, limit int, target, repl uint32) (int, error) {
	var matches []int
	for _, site := range CallSites(img, limit) {
		if site.Target == target {
			matches = append(matches, site.Index)
		}
	}
	if len(matches) == 0 {
		return 0, &PatchError{Target: target}
	}
	for _, i := range matches {
		img.Code[i].Operand = repl
	}
	return len(matches), nil
}

package model

import "sort"

// CompareRefs orders identifiers so that embedded numbers sort numerically,
// e.g. "J2" before "J10".
func CompareRefs(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			si := i
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			sj := j
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			na, nb := trimZeros(a[si:i]), trimZeros(b[sj:j])
			if len(na) != len(nb) {
				if len(na) < len(nb) {
					return -1
				}
				return 1
			}
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	}
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// SortRefs sorts refs in place using CompareRefs.
func SortRefs(refs []string) {
	sort.SliceStable(refs, func(i, j int) bool { return CompareRefs(refs[i], refs[j]) < 0 })
}

// SortJobs sorts jobs in place by Ref.
func SortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool { return CompareRefs(jobs[i].Ref, jobs[j].Ref) < 0 })
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}

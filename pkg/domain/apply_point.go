package domain

import "strings"

// ApplyPoint identifies where in the action pipeline a policy runs.
type ApplyPoint string

const (
	// BeforeRequest policies run before an action is dispatched.
	BeforeRequest ApplyPoint = "beforeRequest"
	// OnResponse policies run after the response for an action arrives.
	OnResponse ApplyPoint = "onResponse"
)

var applyPoints = []ApplyPoint{BeforeRequest, OnResponse}

// ApplyPoints returns the supported apply points in declaration order.
func ApplyPoints() []ApplyPoint {
	return append([]ApplyPoint(nil), applyPoints...)
}

// Valid reports whether the apply point is a member of the supported set.
func (a ApplyPoint) Valid() bool {
	for _, candidate := range applyPoints {
		if a == candidate {
			return true
		}
	}
	return false
}

func (a ApplyPoint) String() string {
	return string(a)
}

// ParseApplyPoint converts raw configuration text into an ApplyPoint.
// Unknown values are returned as-is so the registry can reject them with a
// diagnostic naming the offending policy.
func ParseApplyPoint(raw string) ApplyPoint {
	return ApplyPoint(strings.TrimSpace(raw))
}

func joinApplyPoints() string {
	names := make([]string, 0, len(applyPoints))
	for _, ap := range applyPoints {
		names = append(names, string(ap))
	}
	return strings.Join(names, ", ")
}

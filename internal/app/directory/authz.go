package directory

import (
	"errors"
	"sort"
	"strings"
)

var ErrNotAuthorized = errors.New("worker is not authorized for this machine")

// ParseAssigneeCodes splits a comma-separated assignee list into its elements.
// Elements are trimmed and empties dropped, so " 20, 200 ,," yields [20 200].
func ParseAssigneeCodes(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	codes := make([]string, 0, len(parts))
	for _, part := range parts {
		code := strings.TrimSpace(part)
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// Authorizes reports whether a login code may act on the machine: either it
// is the default assignee or an exact element of the secondary list. Exact
// element, never substring, so "20" does not match a list holding "200".
func (m Machine) Authorizes(loginCode string) bool {
	loginCode = strings.TrimSpace(loginCode)
	if loginCode == "" {
		return false
	}
	if loginCode == strings.TrimSpace(m.DefaultAssigneeCode) {
		return true
	}
	for _, code := range ParseAssigneeCodes(m.SecondaryAssigneeCodes) {
		if code == loginCode {
			return true
		}
	}
	return false
}

// IsDefaultAssignee reports whether the login code is the machine's default
// assignee. Derived, used only for listing order.
func (m Machine) IsDefaultAssignee(loginCode string) bool {
	loginCode = strings.TrimSpace(loginCode)
	return loginCode != "" && loginCode == strings.TrimSpace(m.DefaultAssigneeCode)
}

// MachinesFor filters to the machines one worker may act on. Same predicate
// as WorkersFor, queried in the other direction.
func MachinesFor(machines []Machine, loginCode string) []Machine {
	allowed := make([]Machine, 0, len(machines))
	for _, m := range machines {
		if m.Authorizes(loginCode) {
			allowed = append(allowed, m)
		}
	}
	return allowed
}

// AuthorizedWorker is a worker listed for a machine, flagged when they are
// the machine's default assignee.
type AuthorizedWorker struct {
	Worker
	IsDefault bool `json:"is_default"`
}

// WorkersFor lists the workers authorized for a machine, default assignee
// first, then by name.
func WorkersFor(machine Machine, workers []Worker) []AuthorizedWorker {
	listed := make([]AuthorizedWorker, 0, len(workers))
	for _, w := range workers {
		if !machine.Authorizes(w.LoginCode) {
			continue
		}
		listed = append(listed, AuthorizedWorker{
			Worker:    w,
			IsDefault: machine.IsDefaultAssignee(w.LoginCode),
		})
	}
	sort.SliceStable(listed, func(i, j int) bool {
		if listed[i].IsDefault != listed[j].IsDefault {
			return listed[i].IsDefault
		}
		return listed[i].FullName < listed[j].FullName
	})
	return listed
}

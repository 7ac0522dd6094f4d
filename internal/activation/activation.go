// Package activation schedules and applies staged parameter changes: the
// connection staged/active pairs of senders and receivers, and the channel
// map actions of audio outputs. One engine task per domain sleeps on the
// model condition, wakes when the store advances or the earliest scheduled
// activation falls due, and promotes staged state to active under the model
// write lock so observers only ever see settled documents.
package activation

import (
	"github.com/nmos-go/nmosnode/internal/nmos"
)

// Activation modes on the wire. A null mode means nothing is staged.
const (
	ModeImmediate         = "activate_immediate"
	ModeScheduledAbsolute = "activate_scheduled_absolute"
	ModeScheduledRelative = "activate_scheduled_relative"
)

// Activation is the decoded activation object of a staged document. Empty
// strings stand for JSON nulls.
type Activation struct {
	Mode           string
	RequestedTime  string
	ActivationTime string
}

// activationOf decodes the activation object of an endpoint document.
// Missing or malformed objects decode as all-null.
func activationOf(endpoint map[string]any) Activation {
	obj, _ := endpoint["activation"].(map[string]any)
	a := Activation{}
	a.Mode, _ = obj["mode"].(string)
	a.RequestedTime, _ = obj["requested_time"].(string)
	a.ActivationTime, _ = obj["activation_time"].(string)
	return a
}

// Scheduled reports whether the mode is one of the two scheduled forms.
func (a Activation) Scheduled() bool {
	return a.Mode == ModeScheduledAbsolute || a.Mode == ModeScheduledRelative
}

// PendingScheduled reports whether a scheduled activation is armed: the
// staging side computed and stored its absolute deadline.
func (a Activation) PendingScheduled() bool {
	return a.Scheduled() && a.ActivationTime != ""
}

// InflightImmediate reports whether an immediate activation has been staged
// and not yet resolved. requested_time is the lock key written by the
// staging side; activation_time appears only once the engine has finished.
func (a Activation) InflightImmediate() bool {
	return a.Mode == ModeImmediate && a.RequestedTime != "" && a.ActivationTime == ""
}

// Due returns the absolute deadline of an armed scheduled activation.
func (a Activation) Due() (nmos.TAI, bool) {
	if !a.PendingScheduled() {
		return nmos.TAI{}, false
	}
	ts, err := nmos.ParseTAI(a.ActivationTime)
	if err != nil {
		return nmos.TAI{}, false
	}
	return ts, true
}

// object renders the wire form with explicit nulls for absent fields.
func (a Activation) object() map[string]any {
	obj := map[string]any{
		"mode":            nil,
		"requested_time":  nil,
		"activation_time": nil,
	}
	if a.Mode != "" {
		obj["mode"] = a.Mode
	}
	if a.RequestedTime != "" {
		obj["requested_time"] = a.RequestedTime
	}
	if a.ActivationTime != "" {
		obj["activation_time"] = a.ActivationTime
	}
	return obj
}

// stagedEndpoint returns the endpoint_staged document of a resource, or nil
// when the resource carries none.
func stagedEndpoint(r *nmos.Resource) map[string]any {
	doc, _ := r.Data["endpoint_staged"].(map[string]any)
	return doc
}

// addTAI offsets a timestamp by another timestamp treated as a duration,
// which is how relative activation times are expressed.
func addTAI(t, d nmos.TAI) nmos.TAI {
	n := t.Nanoseconds + d.Nanoseconds
	s := t.Seconds + d.Seconds + n/1e9
	return nmos.TAI{Seconds: s, Nanoseconds: n % 1e9}
}

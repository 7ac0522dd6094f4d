package activation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// DefaultImmediateTimeout bounds how long staging calls wait for an
// immediate activation to resolve before giving up.
const DefaultImmediateTimeout = 10 * time.Second

var (
	// ErrLocked reports a staged endpoint with a scheduled activation
	// armed; only a cancellation may modify it.
	ErrLocked = errors.New("staged activation pending")
	// ErrValidation reports staged parameters that failed validation.
	ErrValidation = errors.New("invalid staged parameters")
	// ErrInflight reports an immediate activation that did not resolve
	// within the staging timeout.
	ErrInflight = errors.New("immediate activation still in flight")
	// ErrActivationFailed reports an immediate activation the engine
	// rejected; the previous active state is preserved.
	ErrActivationFailed = errors.New("activation failed")
)

// Outcome describes what a staging call did, which fixes the response
// status: plain staging and completed immediate activations answer 200,
// armed scheduled activations answer 202.
type Outcome int

const (
	OutcomeStaged Outcome = iota
	OutcomeScheduled
	OutcomeActivated
)

// Stager mediates between the HTTP layer and the engine for sender and
// receiver staged endpoints: it applies merge patches, validates the
// result, arms scheduled activations and runs the immediate-activation
// handshake against the engine.
type Stager struct {
	model   *store.Model
	timeout time.Duration
	locks   *xsync.Map[string, *sync.Mutex]

	// Now supplies activation request timestamps and is replaceable in
	// tests.
	Now func() nmos.TAI
}

func NewStager(m *store.Model, timeout time.Duration) *Stager {
	if timeout <= 0 {
		timeout = DefaultImmediateTimeout
	}
	return &Stager{
		model:   m,
		timeout: timeout,
		locks:   xsync.NewMap[string, *sync.Mutex](),
		Now:     nmos.TAINow,
	}
}

// lockResource serialises staging calls per resource, so one
// immediate-activation handshake completes before the next request stages
// anything on the same endpoint.
func (s *Stager) lockResource(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// PatchStaged merges a patch into the staged endpoint and dispatches on the
// resulting activation mode: null mode just stores the parameters,
// scheduled modes arm a deadline for the engine, and immediate mode blocks
// until the engine resolves the activation. The returned document is the
// staged endpoint to answer with.
func (s *Stager) PatchStaged(ctx context.Context, t nmos.ResourceType, id string, patch map[string]any) (map[string]any, Outcome, error) {
	unlock := s.lockResource(id)
	defer unlock()

	if !WaitIdle(ctx, s.model, s.model.Connection, t, id, s.timeout) {
		return nil, 0, ErrInflight
	}
	view, outcome, err := s.stage(t, id, patch)
	if err != nil || outcome != OutcomeActivated {
		return view, outcome, err
	}
	view, err = s.awaitImmediate(ctx, t, id)
	return view, OutcomeActivated, err
}

// stage applies and writes the staged document under one write lock hold.
func (s *Stager) stage(t nmos.ResourceType, id string, patch map[string]any) (map[string]any, Outcome, error) {
	s.model.Lock()
	defer s.model.Unlock()

	rs := s.model.Connection
	r, found := rs.Find(id, t)
	if !found {
		return nil, 0, store.ErrNotFound
	}
	if activationOf(stagedEndpoint(r)).PendingScheduled() && !cancelsActivation(patch) {
		return nil, 0, ErrLocked
	}

	merged, err := mergeStaged(stagedEndpoint(r), patch)
	if err != nil {
		return nil, 0, err
	}
	normalizeStaged(t, merged)
	if err := validateStaged(t, merged); err != nil {
		return nil, 0, err
	}

	now := s.Now()
	a := activationOf(merged)
	outcome := OutcomeStaged
	switch {
	case a.Mode == "":
		merged["activation"] = Activation{}.object()
	case a.Scheduled():
		req, err := nmos.ParseTAI(a.RequestedTime)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		deadline := req
		if a.Mode == ModeScheduledRelative {
			deadline = addTAI(now, req)
		}
		merged["activation"] = Activation{
			Mode:           a.Mode,
			RequestedTime:  a.RequestedTime,
			ActivationTime: deadline.String(),
		}.object()
		outcome = OutcomeScheduled
	default:
		// The stamped requested_time doubles as the in-flight marker
		// the engine and concurrent readers key on.
		merged["activation"] = Activation{
			Mode:          ModeImmediate,
			RequestedTime: now.String(),
		}.object()
		outcome = OutcomeActivated
	}

	werr := rs.Modify(id, func(res *nmos.Resource) error {
		doc := nmos.CloneData(res.Data)
		doc["endpoint_staged"] = merged
		res.Data = doc
		return nil
	})
	if werr != nil {
		return nil, 0, werr
	}
	s.model.Notify()
	return nmos.CloneData(merged), outcome, nil
}

// awaitImmediate completes the immediate-activation handshake: wait for the
// engine to resolve the staged activation, read the outcome, and reset the
// staged activation so later reads see a settled endpoint.
func (s *Stager) awaitImmediate(ctx context.Context, t nmos.ResourceType, id string) (map[string]any, error) {
	rs := s.model.Connection
	if !WaitIdle(ctx, s.model, rs, t, id, s.timeout) {
		return nil, ErrInflight
	}

	s.model.Lock()
	defer s.model.Unlock()
	r, found := rs.Find(id, t)
	if !found {
		return nil, store.ErrNotFound
	}
	staged := stagedEndpoint(r)
	if activationOf(staged).ActivationTime == "" {
		// The engine rejected it; the previous active state stands.
		return nil, ErrActivationFailed
	}
	view := nmos.CloneData(staged)
	err := rs.Modify(id, func(res *nmos.Resource) error {
		doc := nmos.CloneData(res.Data)
		stagedDoc, _ := doc["endpoint_staged"].(map[string]any)
		stagedDoc["activation"] = Activation{}.object()
		res.Data = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.model.Notify()
	return view, nil
}

// StagedView returns a settled copy of the staged endpoint, waiting out any
// in-flight immediate activation first so reads never observe the
// transient state.
func (s *Stager) StagedView(ctx context.Context, t nmos.ResourceType, id string) (map[string]any, error) {
	rs := s.model.Connection
	if !WaitIdle(ctx, s.model, rs, t, id, s.timeout) {
		return nil, ErrInflight
	}
	s.model.RLock()
	defer s.model.RUnlock()
	r, found := rs.Find(id, t)
	if !found {
		return nil, store.ErrNotFound
	}
	return nmos.CloneData(stagedEndpoint(r)), nil
}

// BulkEntry is one resource's parameters inside a bulk staging request.
type BulkEntry struct {
	ID     string
	Params map[string]any
}

// BulkResult pairs a bulk entry with its outcome; Err is nil on success.
type BulkResult struct {
	ID  string
	Err error
}

// PatchBulk applies a bulk staging request entry by entry, in request
// order. Entries naming the same resource with an equal requested_time are
// duplicates: the first wins and later ones fail, so one bulk request
// cannot race itself through the engine. Entries with distinct
// requested_time serialise through the per-resource lock instead.
func (s *Stager) PatchBulk(ctx context.Context, t nmos.ResourceType, entries []BulkEntry) []BulkResult {
	type key struct{ id, requested string }
	seen := map[key]bool{}
	results := make([]BulkResult, 0, len(entries))
	for _, entry := range entries {
		var requested string
		if obj, ok := entry.Params["activation"].(map[string]any); ok {
			requested, _ = obj["requested_time"].(string)
		}
		k := key{entry.ID, requested}
		if seen[k] {
			results = append(results, BulkResult{entry.ID, fmt.Errorf("%w: duplicate activation for %s", ErrValidation, entry.ID)})
			continue
		}
		seen[k] = true
		_, _, err := s.PatchStaged(ctx, t, entry.ID, entry.Params)
		results = append(results, BulkResult{entry.ID, err})
	}
	return results
}

// SetReceiverTarget stages a sender onto a receiver and activates the
// change immediately, the legacy Node API subscription path. A nil sender
// clears the target and disables the receiver.
func (s *Stager) SetReceiverTarget(ctx context.Context, receiverID string, sender map[string]any, transportFile string) (map[string]any, error) {
	patch := map[string]any{
		"activation": map[string]any{"mode": ModeImmediate},
	}
	if sender == nil {
		patch["sender_id"] = nil
		patch["master_enable"] = false
		patch["transport_file"] = map[string]any{"data": nil, "type": nil}
	} else {
		patch["sender_id"] = sender["id"]
		patch["master_enable"] = true
		if transportFile != "" {
			patch["transport_file"] = map[string]any{"data": transportFile, "type": "application/sdp"}
		}
	}
	view, _, err := s.PatchStaged(ctx, nmos.TypeConnectionReceiver, receiverID, patch)
	return view, err
}

// cancelsActivation reports whether the patch explicitly nulls the
// activation mode, the one write allowed while a scheduled activation is
// pending.
func cancelsActivation(patch map[string]any) bool {
	obj, ok := patch["activation"].(map[string]any)
	if !ok {
		return false
	}
	v, present := obj["mode"]
	return present && v == nil
}

// mergeStaged applies an RFC 7386 merge patch to a staged document, except
// that transport_params merges element-wise: each patch leg merges into the
// staged leg at the same index rather than replacing the whole array.
func mergeStaged(staged, patch map[string]any) (map[string]any, error) {
	patchLegs, hasLegs := patch["transport_params"].([]any)
	stripped := patch
	if hasLegs {
		stripped = make(map[string]any, len(patch))
		for k, v := range patch {
			if k != "transport_params" {
				stripped[k] = v
			}
		}
	}

	origJSON, err := json.Marshal(staged)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	mergedJSON, err := jsonpatch.MergePatch(origJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var merged map[string]any
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if hasLegs {
		stagedLegs, _ := merged["transport_params"].([]any)
		if len(patchLegs) > len(stagedLegs) {
			return nil, fmt.Errorf("%w: patch has %d transport_params legs, resource has %d", ErrValidation, len(patchLegs), len(stagedLegs))
		}
		for i, pv := range patchLegs {
			po, err := json.Marshal(pv)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			so, err := json.Marshal(stagedLegs[i])
			if err != nil {
				return nil, err
			}
			mj, err := jsonpatch.MergePatch(so, po)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			var mv any
			if err := json.Unmarshal(mj, &mv); err != nil {
				return nil, err
			}
			stagedLegs[i] = mv
		}
		merged["transport_params"] = stagedLegs
	}
	return merged, nil
}

// normalizeStaged restores keys a merge patch may have nulled away, so
// stored staged documents always carry the full endpoint shape.
func normalizeStaged(t nmos.ResourceType, doc map[string]any) {
	if _, ok := doc["activation"].(map[string]any); !ok {
		doc["activation"] = Activation{}.object()
	}
	idKey := "receiver_id"
	if t == nmos.TypeConnectionReceiver {
		idKey = "sender_id"
	}
	if _, ok := doc[idKey]; !ok {
		doc[idKey] = nil
	}
	if t == nmos.TypeConnectionReceiver {
		if _, ok := doc["transport_file"].(map[string]any); !ok {
			doc["transport_file"] = map[string]any{"data": nil, "type": nil}
		}
	}
}

func validateStaged(t nmos.ResourceType, doc map[string]any) error {
	if _, ok := doc["master_enable"].(bool); !ok {
		return fmt.Errorf("%w: master_enable must be a boolean", ErrValidation)
	}
	idKey := "receiver_id"
	if t == nmos.TypeConnectionReceiver {
		idKey = "sender_id"
	}
	if v := doc[idKey]; v != nil {
		s, ok := v.(string)
		if !ok || uuid.Validate(s) != nil {
			return fmt.Errorf("%w: %s must be a UUID or null", ErrValidation, idKey)
		}
	}
	legs, ok := doc["transport_params"].([]any)
	if !ok || len(legs) == 0 {
		return fmt.Errorf("%w: transport_params must be a non-empty array", ErrValidation)
	}
	for i, lv := range legs {
		leg, ok := lv.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: transport_params[%d] must be an object", ErrValidation, i)
		}
		for name, v := range leg {
			switch v.(type) {
			case nil, string, float64, bool:
			default:
				return fmt.Errorf("%w: transport_params[%d].%s must be a scalar", ErrValidation, i, name)
			}
		}
	}
	if t == nmos.TypeConnectionReceiver {
		if tf, ok := doc["transport_file"].(map[string]any); ok {
			if data, ok := tf["data"].(string); ok && data != "" {
				if typ, _ := tf["type"].(string); typ != "application/sdp" {
					return fmt.Errorf("%w: transport_file.type must be application/sdp", ErrValidation)
				}
			}
		}
	}
	obj, ok := doc["activation"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: activation must be an object", ErrValidation)
	}
	for _, key := range []string{"mode", "requested_time", "activation_time"} {
		if v, present := obj[key]; present && v != nil {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: activation.%s must be a string or null", ErrValidation, key)
			}
		}
	}
	a := activationOf(doc)
	switch a.Mode {
	case "", ModeImmediate:
	case ModeScheduledAbsolute, ModeScheduledRelative:
		if a.RequestedTime == "" {
			return fmt.Errorf("%w: scheduled activation requires requested_time", ErrValidation)
		}
		if _, err := nmos.ParseTAI(a.RequestedTime); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	default:
		return fmt.Errorf("%w: unknown activation mode %q", ErrValidation, a.Mode)
	}
	return nil
}

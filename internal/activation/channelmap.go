package activation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// ChannelMapDomain activates staged channel-map actions on audio outputs:
// each routed channel of the action replaces its entry in the output's
// active map, everything else carries over.
type ChannelMapDomain struct{}

func (ChannelMapDomain) Name() string { return "channelmapping" }

func (ChannelMapDomain) Store(m *store.Model) *store.Resources { return m.ChannelMapping }

func (ChannelMapDomain) Types() []nmos.ResourceType {
	return []nmos.ResourceType{nmos.TypeChannelMappingOutput}
}

func (ChannelMapDomain) Activate(m *store.Model, r *nmos.Resource, staged map[string]any, now nmos.TAI) (map[string]any, map[string]any, error) {
	chmap := map[string]any{}
	if prev, ok := r.Data["endpoint_active"].(map[string]any); ok {
		if pm, ok := prev["map"].(map[string]any); ok {
			for ch, route := range pm {
				chmap[ch] = route
			}
		}
	}
	action, _ := staged["action"].(map[string]any)
	for ch, route := range action {
		if route == nil {
			chmap[ch] = map[string]any{"input": nil, "channel_index": nil}
			continue
		}
		chmap[ch] = route
	}
	return map[string]any{"activation": staged["activation"], "map": chmap}, nil, nil
}

// MapActivation is a staged channel-map change: one action per output, all
// firing together under a shared activation id.
type MapActivation struct {
	ID             string
	Mode           string
	RequestedTime  string
	ActivationTime string
	// Actions maps output id to channel index to route. A nil route or
	// a route with null input unroutes the channel.
	Actions map[string]map[string]any
}

// MapStager stages channel-map activations across outputs and runs the
// immediate handshake for them. Activations span several outputs, so a
// single mutex serialises posts rather than per-resource locks.
type MapStager struct {
	model   *store.Model
	timeout time.Duration
	mu      sync.Mutex

	// Now supplies activation request timestamps and is replaceable in
	// tests.
	Now func() nmos.TAI
}

func NewMapStager(m *store.Model, timeout time.Duration) *MapStager {
	if timeout <= 0 {
		timeout = DefaultImmediateTimeout
	}
	return &MapStager{model: m, timeout: timeout, Now: nmos.TAINow}
}

// Stage validates and stages one activation on every output it names. The
// whole request stages or none of it does. Immediate activations block
// until the engine has applied them to each output.
func (s *MapStager) Stage(ctx context.Context, req *MapActivation) (*MapActivation, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range req.Actions {
		if !WaitIdle(ctx, s.model, s.model.ChannelMapping, nmos.TypeChannelMappingOutput, id, s.timeout) {
			return nil, 0, ErrInflight
		}
	}
	staged, outcome, err := s.stage(req)
	if err != nil || outcome != OutcomeActivated {
		return staged, outcome, err
	}
	done, err := s.awaitImmediate(ctx, staged)
	return done, OutcomeActivated, err
}

func (s *MapStager) stage(req *MapActivation) (*MapActivation, Outcome, error) {
	s.model.Lock()
	defer s.model.Unlock()

	rs := s.model.ChannelMapping
	if len(req.Actions) == 0 {
		return nil, 0, fmt.Errorf("%w: empty action", ErrValidation)
	}
	for outID, action := range req.Actions {
		out, found := rs.Find(outID, nmos.TypeChannelMappingOutput)
		if !found {
			return nil, 0, fmt.Errorf("%w: unknown output %s", ErrValidation, outID)
		}
		if activationOf(stagedEndpoint(out)).PendingScheduled() {
			return nil, 0, ErrLocked
		}
		if err := validateAction(rs, out, action); err != nil {
			return nil, 0, err
		}
	}

	now := s.Now()
	a := Activation{Mode: req.Mode, RequestedTime: req.RequestedTime}
	outcome := OutcomeActivated
	switch {
	case a.Mode == ModeImmediate:
		a.RequestedTime = now.String()
	case a.Scheduled():
		if a.RequestedTime == "" {
			return nil, 0, fmt.Errorf("%w: scheduled activation requires requested_time", ErrValidation)
		}
		reqTime, err := nmos.ParseTAI(a.RequestedTime)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		deadline := reqTime
		if a.Mode == ModeScheduledRelative {
			deadline = addTAI(now, reqTime)
		}
		a.ActivationTime = deadline.String()
		outcome = OutcomeScheduled
	default:
		return nil, 0, fmt.Errorf("%w: unknown activation mode %q", ErrValidation, req.Mode)
	}

	staged := *req
	if staged.ID == "" {
		staged.ID = uuid.NewString()
	}
	staged.Mode = a.Mode
	staged.RequestedTime = a.RequestedTime
	staged.ActivationTime = a.ActivationTime

	for outID, action := range req.Actions {
		obj := a.object()
		obj["id"] = staged.ID
		doc := map[string]any{"activation": obj, "action": action}
		err := rs.Modify(outID, func(res *nmos.Resource) error {
			d := nmos.CloneData(res.Data)
			d["endpoint_staged"] = doc
			res.Data = d
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
	}
	s.model.Notify()
	return &staged, outcome, nil
}

// awaitImmediate waits for the engine to apply the activation on every
// output, then resets their staged endpoints to idle.
func (s *MapStager) awaitImmediate(ctx context.Context, req *MapActivation) (*MapActivation, error) {
	rs := s.model.ChannelMapping
	for id := range req.Actions {
		if !WaitIdle(ctx, s.model, rs, nmos.TypeChannelMappingOutput, id, s.timeout) {
			return nil, ErrInflight
		}
	}

	s.model.Lock()
	defer s.model.Unlock()
	actTime := ""
	failed := false
	for id := range req.Actions {
		out, found := rs.Find(id, nmos.TypeChannelMappingOutput)
		if !found {
			failed = true
			continue
		}
		a := activationOf(stagedEndpoint(out))
		if a.ActivationTime == "" {
			failed = true
			continue
		}
		actTime = a.ActivationTime
	}
	for id := range req.Actions {
		rs.Modify(id, func(res *nmos.Resource) error {
			doc := nmos.CloneData(res.Data)
			doc["endpoint_staged"] = idleStaged()
			res.Data = doc
			return nil
		})
	}
	s.model.Notify()
	if failed {
		return nil, ErrActivationFailed
	}
	done := *req
	done.RequestedTime = ""
	done.ActivationTime = actTime
	return &done, nil
}

// List returns the armed scheduled activations, grouped by activation id.
func (s *MapStager) List() []*MapActivation {
	s.model.RLock()
	defer s.model.RUnlock()
	byID := map[string]*MapActivation{}
	var order []string
	s.model.ChannelMapping.EachOfType(nmos.TypeChannelMappingOutput, func(out *nmos.Resource) bool {
		staged := stagedEndpoint(out)
		a := activationOf(staged)
		if !a.PendingScheduled() {
			return true
		}
		obj, _ := staged["activation"].(map[string]any)
		id, _ := obj["id"].(string)
		if id == "" {
			return true
		}
		entry, ok := byID[id]
		if !ok {
			entry = &MapActivation{
				ID:             id,
				Mode:           a.Mode,
				RequestedTime:  a.RequestedTime,
				ActivationTime: a.ActivationTime,
				Actions:        map[string]map[string]any{},
			}
			byID[id] = entry
			order = append(order, id)
		}
		action, _ := staged["action"].(map[string]any)
		entry.Actions[out.ID] = action
		return true
	})
	sort.Strings(order)
	list := make([]*MapActivation, 0, len(order))
	for _, id := range order {
		list = append(list, byID[id])
	}
	return list
}

// Get returns one armed activation by id.
func (s *MapStager) Get(id string) (*MapActivation, bool) {
	for _, a := range s.List() {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// Delete cancels an armed scheduled activation on every output carrying it.
func (s *MapStager) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.Lock()
	defer s.model.Unlock()

	rs := s.model.ChannelMapping
	var outputs []string
	rs.EachOfType(nmos.TypeChannelMappingOutput, func(out *nmos.Resource) bool {
		staged := stagedEndpoint(out)
		if !activationOf(staged).PendingScheduled() {
			return true
		}
		obj, _ := staged["activation"].(map[string]any)
		if sid, _ := obj["id"].(string); sid == id {
			outputs = append(outputs, out.ID)
		}
		return true
	})
	if len(outputs) == 0 {
		return store.ErrNotFound
	}
	for _, outID := range outputs {
		rs.Modify(outID, func(res *nmos.Resource) error {
			doc := nmos.CloneData(res.Data)
			doc["endpoint_staged"] = idleStaged()
			res.Data = doc
			return nil
		})
	}
	s.model.Notify()
	return nil
}

// ActiveMap assembles the global active map document across all outputs,
// stamped with the most recently applied activation.
func ActiveMap(m *store.Model) map[string]any {
	m.RLock()
	defer m.RUnlock()

	latest := Activation{}
	var latestTS nmos.TAI
	chmap := map[string]any{}
	m.ChannelMapping.EachOfType(nmos.TypeChannelMappingOutput, func(out *nmos.Resource) bool {
		active, _ := out.Data["endpoint_active"].(map[string]any)
		routes, _ := active["map"].(map[string]any)
		if routes == nil {
			routes = map[string]any{}
		}
		chmap[out.ID] = routes
		a := activationOf(active)
		if ts, err := nmos.ParseTAI(a.ActivationTime); a.ActivationTime != "" && err == nil {
			if latestTS.IsZero() || ts.After(latestTS) {
				latest, latestTS = a, ts
			}
		}
		return true
	})
	return map[string]any{"activation": latest.object(), "map": chmap}
}

func idleStaged() map[string]any {
	return map[string]any{"activation": Activation{}.object(), "action": map[string]any{}}
}

// validateAction checks one output's routing action against the output's
// channel count and routable inputs, and against the named inputs' channel
// counts, block sizes and reordering capability.
func validateAction(rs *store.Resources, out *nmos.Resource, action map[string]any) error {
	channels, _ := out.Data["channels"].([]any)
	caps, _ := out.Data["caps"].(map[string]any)
	routable, constrained := caps["routable_inputs"].([]any)

	type pair struct{ out, in int }
	byInput := map[string][]pair{}
	for ch, rv := range action {
		idx, err := strconv.Atoi(ch)
		if err != nil || idx < 0 || idx >= len(channels) {
			return fmt.Errorf("%w: output %s has no channel %s", ErrValidation, out.ID, ch)
		}
		if rv == nil {
			continue
		}
		route, ok := rv.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: channel %s route must be an object or null", ErrValidation, ch)
		}
		inV, ciV := route["input"], route["channel_index"]
		if inV == nil && ciV == nil {
			continue
		}
		inID, ok := inV.(string)
		ci, ok2 := ciV.(float64)
		if !ok || !ok2 {
			return fmt.Errorf("%w: channel %s route needs input and channel_index", ErrValidation, ch)
		}
		if constrained && !containsInput(routable, inID) {
			return fmt.Errorf("%w: input %s is not routable to output %s", ErrValidation, inID, out.ID)
		}
		in, found := rs.Find(inID, nmos.TypeChannelMappingInput)
		if !found {
			return fmt.Errorf("%w: unknown input %s", ErrValidation, inID)
		}
		inCh, _ := in.Data["channels"].([]any)
		if int(ci) < 0 || int(ci) >= len(inCh) {
			return fmt.Errorf("%w: input %s has no channel %d", ErrValidation, inID, int(ci))
		}
		byInput[inID] = append(byInput[inID], pair{out: idx, in: int(ci)})
	}

	for inID, pairs := range byInput {
		in, _ := rs.Find(inID, nmos.TypeChannelMappingInput)
		inCaps, _ := in.Data["caps"].(map[string]any)
		block := 1
		if b, ok := inCaps["block_size"].(float64); ok && b > 1 {
			block = int(b)
		}
		reorder := true
		if ro, ok := inCaps["reordering"].(bool); ok {
			reorder = ro
		}
		if block <= 1 {
			continue
		}
		// Channels of a blocked input move as whole blocks: each output
		// block must be fully routed from one aligned input block, in
		// order unless the input allows reordering.
		blocks := map[int][]pair{}
		for _, p := range pairs {
			blocks[p.out/block] = append(blocks[p.out/block], p)
		}
		for outBlock, ps := range blocks {
			if len(ps) != block {
				return fmt.Errorf("%w: input %s routes in blocks of %d channels", ErrValidation, inID, block)
			}
			sort.Slice(ps, func(i, j int) bool { return ps[i].out < ps[j].out })
			inBase := ps[0].in - ps[0].in%block
			for i, p := range ps {
				if p.out != outBlock*block+i {
					return fmt.Errorf("%w: input %s routes in blocks of %d channels", ErrValidation, inID, block)
				}
				if p.in/block != inBase/block {
					return fmt.Errorf("%w: input %s block straddles channel %d", ErrValidation, inID, p.in)
				}
				if !reorder && p.in != inBase+i {
					return fmt.Errorf("%w: input %s does not support reordering", ErrValidation, inID)
				}
			}
		}
	}
	return nil
}

func containsInput(routable []any, id string) bool {
	for _, v := range routable {
		if s, ok := v.(string); ok && s == id {
			return true
		}
	}
	return false
}

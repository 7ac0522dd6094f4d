package activation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

func TestMergeStagedPerLeg(t *testing.T) {
	staged := map[string]any{
		"master_enable": false,
		"transport_params": []any{
			map[string]any{"destination_ip": "239.0.0.1", "destination_port": "auto"},
			map[string]any{"destination_ip": "239.0.0.2", "destination_port": "auto"},
		},
	}
	merged, err := mergeStaged(staged, map[string]any{
		"master_enable":    true,
		"transport_params": []any{map[string]any{"destination_port": float64(5000)}},
	})
	if err != nil {
		t.Fatalf("mergeStaged: %v", err)
	}
	if merged["master_enable"] != true {
		t.Errorf("master_enable = %v", merged["master_enable"])
	}
	legs, _ := merged["transport_params"].([]any)
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(legs))
	}
	first, _ := legs[0].(map[string]any)
	if first["destination_port"] != float64(5000) || first["destination_ip"] != "239.0.0.1" {
		t.Errorf("first leg = %v", first)
	}
	second, _ := legs[1].(map[string]any)
	if second["destination_port"] != "auto" {
		t.Errorf("second leg touched: %v", second)
	}

	_, err = mergeStaged(staged, map[string]any{
		"transport_params": []any{map[string]any{}, map[string]any{}, map[string]any{}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("extra legs: %v, want ErrValidation", err)
	}
}

func TestPatchStagedValidation(t *testing.T) {
	env := newConnEnv(t)
	receiverID := uuid.NewString()
	env.seedReceiver(t, receiverID)
	ctx := context.Background()

	cases := map[string]map[string]any{
		"unknown mode": {
			"activation": map[string]any{"mode": "activate_later"},
		},
		"scheduled without requested_time": {
			"activation": map[string]any{"mode": ModeScheduledAbsolute},
		},
		"unparseable requested_time": {
			"activation": map[string]any{"mode": ModeScheduledAbsolute, "requested_time": "soon"},
		},
		"master_enable nulled": {
			"master_enable": nil,
		},
		"sender_id not a uuid": {
			"sender_id": "walter",
		},
		"nested transport parameter": {
			"transport_params": []any{map[string]any{"destination_port": map[string]any{"value": 1}}},
		},
	}
	for name, patch := range cases {
		_, _, err := env.st.PatchStaged(ctx, nmos.TypeConnectionReceiver, receiverID, patch)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", name, err)
		}
	}

	if _, _, err := env.st.PatchStaged(ctx, nmos.TypeConnectionReceiver, uuid.NewString(), nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown resource: %v, want ErrNotFound", err)
	}
}

func TestCancelScheduledActivation(t *testing.T) {
	env := newConnEnv(t)
	senderID := uuid.NewString()
	env.seedSender(t, senderID)
	ctx := context.Background()

	_, outcome, err := env.st.PatchStaged(ctx, nmos.TypeConnectionSender, senderID, map[string]any{
		"activation": map[string]any{"mode": ModeScheduledAbsolute, "requested_time": "500:0"},
	})
	if err != nil || outcome != OutcomeScheduled {
		t.Fatalf("arm: %v outcome=%v", err, outcome)
	}

	view, outcome, err := env.st.PatchStaged(ctx, nmos.TypeConnectionSender, senderID, map[string]any{
		"master_enable": true,
		"activation":    map[string]any{"mode": nil},
	})
	if err != nil || outcome != OutcomeStaged {
		t.Fatalf("cancel: %v outcome=%v", err, outcome)
	}
	if a := activationOf(view); a.Mode != "" || a.RequestedTime != "" || a.ActivationTime != "" {
		t.Errorf("activation after cancel = %+v", a)
	}
	if view["master_enable"] != true {
		t.Errorf("cancel dropped the rest of the patch: %v", view)
	}

	// No longer locked.
	_, _, err = env.st.PatchStaged(ctx, nmos.TypeConnectionSender, senderID, map[string]any{"master_enable": false})
	if err != nil {
		t.Errorf("patch after cancel: %v", err)
	}

	// The engine never fires a cancelled activation.
	env.at = nmos.TAI{Seconds: 501}
	env.eng.sweep()
	active, _ := env.connection(t, senderID, nmos.TypeConnectionSender)["endpoint_active"].(map[string]any)
	if active["master_enable"] != false {
		t.Errorf("cancelled activation fired")
	}
}

func TestBulkDuplicateRequestedTime(t *testing.T) {
	env := newConnEnv(t)
	a, b := uuid.NewString(), uuid.NewString()
	env.seedSender(t, a)
	env.seedSender(t, b)

	arm := func(at string) map[string]any {
		return map[string]any{
			"activation": map[string]any{"mode": ModeScheduledAbsolute, "requested_time": at},
		}
	}
	results := env.st.PatchBulk(context.Background(), nmos.TypeConnectionSender, []BulkEntry{
		{ID: a, Params: arm("300:0")},
		{ID: a, Params: arm("300:0")},
		{ID: b, Params: arm("300:0")},
	})
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("first entry: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrValidation) {
		t.Errorf("duplicate entry: %v, want ErrValidation", results[1].Err)
	}
	if results[2].Err != nil {
		t.Errorf("distinct resource: %v", results[2].Err)
	}
}

func TestSetReceiverTarget(t *testing.T) {
	env := newConnEnv(t)
	receiverID := uuid.NewString()
	senderID := uuid.NewString()
	env.seedReceiver(t, receiverID)
	env.eng.Start()
	defer env.eng.Stop()
	ctx := context.Background()

	sdp := "v=0\r\no=- 0 0 IN IP4 192.0.2.1\r\ns=x\r\nt=0 0\r\n"
	view, err := env.st.SetReceiverTarget(ctx, receiverID, map[string]any{"id": senderID}, sdp)
	if err != nil {
		t.Fatalf("SetReceiverTarget: %v", err)
	}
	if view["sender_id"] != senderID {
		t.Errorf("staged sender_id = %v", view["sender_id"])
	}

	conn := env.connection(t, receiverID, nmos.TypeConnectionReceiver)
	active, _ := conn["endpoint_active"].(map[string]any)
	if active["master_enable"] != true || active["sender_id"] != senderID {
		t.Errorf("active = %v", active)
	}
	tf, _ := active["transport_file"].(map[string]any)
	if tf["data"] != sdp || tf["type"] != "application/sdp" {
		t.Errorf("transport_file = %v", tf)
	}
	sub, _ := env.nodeData(t, receiverID, nmos.TypeReceiver)["subscription"].(map[string]any)
	if sub["active"] != true || sub["sender_id"] != senderID {
		t.Errorf("receiver subscription = %v", sub)
	}

	if _, err := env.st.SetReceiverTarget(ctx, receiverID, nil, ""); err != nil {
		t.Fatalf("clear target: %v", err)
	}
	active, _ = env.connection(t, receiverID, nmos.TypeConnectionReceiver)["endpoint_active"].(map[string]any)
	if active["master_enable"] != false || active["sender_id"] != nil {
		t.Errorf("active after clear = %v", active)
	}
	sub, _ = env.nodeData(t, receiverID, nmos.TypeReceiver)["subscription"].(map[string]any)
	if sub["active"] != false || sub["sender_id"] != nil {
		t.Errorf("receiver subscription after clear = %v", sub)
	}
}

package schema

import (
	"encoding/json"
	"testing"
)

func TestActionKind_Valid(t *testing.T) {
	for _, k := range ActionKinds {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if ActionKind("Reboot").Valid() {
		t.Error("unknown kind should not be valid")
	}
	if len(ActionKinds) != 7 {
		t.Errorf("len(ActionKinds) = %d, want 7", len(ActionKinds))
	}
}

func TestActionKind_IsEdgeAction(t *testing.T) {
	if !ActionBlockTrafficZone.IsEdgeAction() || !ActionAllowTrafficZone.IsEdgeAction() {
		t.Error("Block/Allow should be edge actions")
	}
	if ActionRemove.IsEdgeAction() {
		t.Error("Remove should not be an edge action")
	}
}

// TestDecodedAction_MarshalJSON は interface フィールドが omitempty で省略されることを確認する。
func TestDecodedAction_MarshalJSON(t *testing.T) {
	a := DecodedAction{Kind: ActionRemove, Target: "restricted-zone-a-server-0", Index: 16}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal to map failed: %v", err)
	}
	if got["kind"] != "Remove" {
		t.Errorf("kind = %v, want Remove", got["kind"])
	}
	if _, ok := got["interface"]; ok {
		t.Error("interface should be omitted for node actions")
	}
}

func TestDecodedAction_String(t *testing.T) {
	a := DecodedAction{Kind: ActionBlockTrafficZone, Target: "admin-network-router", Interface: "eth2"}
	if got := a.String(); got != "BlockTrafficZone(admin-network-router:eth2)" {
		t.Errorf("String() = %q", got)
	}
	b := DecodedAction{Kind: ActionAnalyse, Target: "office-network-user-0"}
	if got := b.String(); got != "Analyse(office-network-user-0)" {
		t.Errorf("String() = %q", got)
	}
}

func TestHostSnapshot_Running(t *testing.T) {
	if !(HostSnapshot{Status: HostRunning}).Running() {
		t.Error("running host should report Running")
	}
	if (HostSnapshot{Status: HostStopped}).Running() {
		t.Error("stopped host should not report Running")
	}
}

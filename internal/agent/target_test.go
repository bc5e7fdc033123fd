package agent_test

import (
	"testing"

	"github.com/0x6d61/cagebridge/internal/agent"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

func TestNewTarget_InitialState(t *testing.T) {
	tgt := agent.NewTarget("office-network-user-0")
	if tgt.Label != schema.LabelClean {
		t.Errorf("Label: got %s, want clean", tgt.Label)
	}
	if tgt.Compromised || tgt.LastAction != nil {
		t.Errorf("unexpected initial state: %+v", tgt)
	}
}

func TestClassify_Priority(t *testing.T) {
	ok := func(k schema.ActionKind) *schema.ActionResult {
		return &schema.ActionResult{Action: k, Success: true}
	}
	failed := &schema.ActionResult{Action: schema.ActionRestore, Success: false}

	tests := []struct {
		name        string
		compromised bool
		acted       *schema.ActionResult
		decoy       bool
		want        schema.HostLabel
	}{
		{"clean", false, nil, false, schema.LabelClean},
		{"compromised beats everything", true, ok(schema.ActionRestore), true, schema.LabelCompromised},
		{"restored beats decoy", false, ok(schema.ActionRestore), true, schema.LabelRestored},
		{"decoy beats analysed", false, ok(schema.ActionAnalyse), true, schema.LabelDecoy},
		{"analysed", false, ok(schema.ActionAnalyse), false, schema.LabelAnalysed},
		{"failed restore is not restored", false, failed, false, schema.LabelClean},
		{"monitor leaves clean", false, ok(schema.ActionMonitor), false, schema.LabelClean},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := agent.Classify(tt.compromised, tt.acted, tt.decoy); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTarget_Apply_RestoreClearsCompromise(t *testing.T) {
	tgt := agent.NewTarget("h")
	tgt.Observe(schema.HostSnapshot{Name: "h", Status: schema.HostRunning, Compromised: true, Indicators: []string{"flag"}})

	// 別ホストへのアクションでは変わらない
	tgt.Apply(&schema.ActionResult{Action: schema.ActionRestore, Target: "other", Success: true}, 0)
	if tgt.Label != schema.LabelCompromised {
		t.Fatalf("Label = %s, want compromised", tgt.Label)
	}

	tgt.Apply(&schema.ActionResult{Action: schema.ActionRestore, Target: "h", Success: true}, 0)
	if tgt.Label != schema.LabelRestored {
		t.Errorf("Label = %s, want restored", tgt.Label)
	}
	if tgt.Compromised || tgt.Indicators != nil {
		t.Errorf("restore should clear compromise: %+v", tgt)
	}
	if tgt.LastAction == nil || tgt.LastAction.Action != schema.ActionRestore {
		t.Errorf("LastAction = %+v", tgt.LastAction)
	}
}

func TestTarget_Apply_Decoy(t *testing.T) {
	tgt := agent.NewTarget("h")
	tgt.Observe(schema.HostSnapshot{Name: "h", Status: schema.HostRunning})
	tgt.Apply(nil, 2)
	if tgt.Label != schema.LabelDecoy || tgt.Decoys != 2 {
		t.Errorf("got label %s decoys %d", tgt.Label, tgt.Decoys)
	}
}

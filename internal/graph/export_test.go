package graph

import "fmt"

// テスト用のエクスポート

// UnflattenForTest は Flatten の逆変換。レイアウトの往復をテストで確かめる。
func UnflattenForTest(v []float32) (NodeFeatures, error) {
	if len(v) < CanonicalWidth {
		return NodeFeatures{}, fmt.Errorf("%w: feature width %d below %d", ErrShapeMismatch, len(v), CanonicalWidth)
	}
	f := NodeFeatures{
		Type:           NodeType(argmax(v[offNodeType : offNodeType+4])),
		Arch:           Arch(argmax(v[offArch:offOSDist])),
		Distribution:   Distribution(argmax(v[offOSDist:offOSType])),
		OSType:         OSType(argmax(v[offOSType:offOSVersion])),
		CrownJewel:     v[offCrownJewel] > 0.5,
		User:           v[offUserFlag] > 0.5,
		Server:         v[offServerFlag] > 0.5,
		Router:         v[offRouterFlag] > 0.5,
		Subnet:         -1,
		Compromised:    v[offCompromised] > 0.5,
		Scanned:        v[offScanned] > 0.5,
		WasScanned:     v[offMsgScanned] > 0.5,
		WasCompromised: v[offMsgCompromised] > 0.5,
		IsReceived:     v[offMsgReceived] > 0.5,
	}
	for i := 0; i < NumSubnetSlots; i++ {
		if v[offSubnet+i] > 0.5 {
			f.Subnet = i
			break
		}
	}
	return f, nil
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

package graph

import (
	"fmt"
	"strings"
)

// CanonicalWidth は特徴ベクトルの正規の幅。これより広い幅は末尾をゼロで埋める。
const CanonicalWidth = 192

// NumSubnetSlots はサブネット one-hot の次元数。
const NumSubnetSlots = 9

// 特徴ベクトル内のオフセット。値の位置はポリシーの学習時のレイアウトに一致させる。
const (
	offNodeType       = 0   // [0:4]
	offArch           = 4   // [4:14]
	offOSDist         = 14  // [14:29]
	offOSType         = 29  // [29:34]
	offOSVersion      = 34  // [34:54]
	offKernel         = 54  // [54:69]
	offPatches        = 69  // [69:99]
	offCrownJewel     = 99
	offUserFlag       = 100
	offServerFlag     = 101
	offRouterFlag     = 102
	offSubnet         = 174 // [174:183]
	offCompromised    = 183
	offScanned        = 184
	offMsgScanned     = 185
	offMsgCompromised = 186
	offMsgReceived    = 187
)

// NodeType はノード種別の one-hot 位置。
type NodeType int

const (
	NodeSystem NodeType = iota
	NodeConnection
	NodeFile
	NodeInternet
)

// Arch はアーキテクチャ one-hot 内の位置。
type Arch int

const (
	ArchX86 Arch = 0
)

// Distribution は OS ディストリビューション one-hot 内の位置。
type Distribution int

const (
	DistUnknown  Distribution = 0
	DistDebian   Distribution = 2
	DistUbuntu   Distribution = 3
	DistAlpine   Distribution = 5
	DistPostgres Distribution = 6
)

// OSType は OS 種別 one-hot 内の位置。
type OSType int

const (
	OSUnknown OSType = 0
	OSLinux   OSType = 1
)

// DistributionFromImage はイメージ名から OS ディストリビューションを推定する。
func DistributionFromImage(image string) Distribution {
	img := strings.ToLower(image)
	switch {
	case strings.Contains(img, "alpine"):
		return DistAlpine
	case strings.Contains(img, "ubuntu"):
		return DistUbuntu
	case strings.Contains(img, "debian"):
		return DistDebian
	case strings.Contains(img, "postgres"):
		return DistPostgres
	default:
		return DistUnknown
	}
}

// NodeFeatures は1ノード分の特徴を名前付きで持つ。
// ベクトルへの変換は Flatten だけが行う。
type NodeFeatures struct {
	Type           NodeType
	Arch           Arch
	Distribution   Distribution
	OSType         OSType
	CrownJewel     bool
	User           bool
	Server         bool
	Router         bool
	Subnet         int // one-hot 位置。-1 なら未設定
	Compromised    bool
	Scanned        bool
	WasScanned     bool
	WasCompromised bool
	IsReceived     bool
}

// Flatten は固定レイアウトのベクトルを作る。width は CanonicalWidth 以上。
func (f NodeFeatures) Flatten(width int) ([]float32, error) {
	if width < CanonicalWidth {
		return nil, fmt.Errorf("%w: feature width %d below %d", ErrShapeMismatch, width, CanonicalWidth)
	}
	if f.Type < NodeSystem || f.Type > NodeInternet {
		return nil, fmt.Errorf("graph: invalid node type %d", f.Type)
	}
	if f.Subnet >= NumSubnetSlots {
		return nil, fmt.Errorf("graph: subnet index %d exceeds %d slots", f.Subnet, NumSubnetSlots)
	}

	v := make([]float32, width)
	v[offNodeType+int(f.Type)] = 1
	if f.Type == NodeSystem {
		v[offArch+int(f.Arch)] = 1
		v[offOSDist+int(f.Distribution)] = 1
		v[offOSType+int(f.OSType)] = 1
	}
	// OS version / kernel / patches は観測できないのでゼロのまま

	v[offCrownJewel] = flag(f.CrownJewel)
	v[offUserFlag] = flag(f.User)
	v[offServerFlag] = flag(f.Server)
	v[offRouterFlag] = flag(f.Router)
	if f.Subnet >= 0 {
		v[offSubnet+f.Subnet] = 1
	}
	v[offCompromised] = flag(f.Compromised)
	v[offScanned] = flag(f.Scanned)
	v[offMsgScanned] = flag(f.WasScanned)
	v[offMsgCompromised] = flag(f.WasCompromised)
	v[offMsgReceived] = flag(f.IsReceived)
	return v, nil
}

func flag(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

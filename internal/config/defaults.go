package config

// CAGE4 のディフェンスネットワーク構成（containerlab でデプロイされる名前）。

// DefaultContainerPrefix は containerlab が付けるコンテナ名の接頭辞
const DefaultContainerPrefix = "clab-cage4-defense-network-"

// DefaultEntrySubnet は Red Agent の初期足場
const DefaultEntrySubnet = "contractor_network"

// DefaultTopology は 9 サブネット・16 ホスト・8 アクション対象ルーターの構成を返す。
// サブネットの順序は one-hot の位置と一致させること。
func DefaultTopology() TopologyConfig {
	return TopologyConfig{
		Subnets: []SubnetConfig{
			{Name: "restricted_zone_a", Router: "restricted-zone-a-router", Hosts: []HostEntry{
				{Name: "restricted-zone-a-server-0", Role: RoleServer},
				{Name: "restricted-zone-a-server-1", Role: RoleServer},
				{Name: "restricted-zone-a-user-0", Role: RoleUser},
			}},
			{Name: "operational_zone_a", Router: "operational-zone-a-router", Hosts: []HostEntry{
				{Name: "operational-zone-a-server-0", Role: RoleServer},
				{Name: "operational-zone-a-user-0", Role: RoleUser},
			}},
			{Name: "restricted_zone_b", Router: "restricted-zone-b-router", Hosts: []HostEntry{
				{Name: "restricted-zone-b-server-0", Role: RoleServer},
				{Name: "restricted-zone-b-user-0", Role: RoleUser},
			}},
			{Name: "operational_zone_b", Router: "operational-zone-b-router", Hosts: []HostEntry{
				{Name: "operational-zone-b-server-0", Role: RoleServer},
				{Name: "operational-zone-b-user-0", Role: RoleUser},
			}},
			{Name: "contractor_network", Router: "contractor-network-router", Hosts: []HostEntry{
				{Name: "contractor-network-server-0", Role: RoleServer},
				{Name: "contractor-network-user-0", Role: RoleUser},
				{Name: "contractor-network-user-1", Role: RoleUser},
			}},
			{Name: "public_access_zone", Router: "public-access-zone-router", Hosts: []HostEntry{
				{Name: "public-access-zone-user-0", Role: RoleUser},
			}},
			{Name: "admin_network", Router: "admin-network-router", Hosts: []HostEntry{
				{Name: "admin-network-user-0", Role: RoleUser},
			}},
			{Name: "office_network", Router: "office-network-router", Hosts: []HostEntry{
				{Name: "office-network-user-0", Role: RoleUser},
				{Name: "office-network-user-1", Role: RoleUser},
			}},
			{Name: "internet", Router: "internet-router"},
		},
		RouterLinks: [][]string{
			{"restricted-zone-a-router", "operational-zone-a-router"},
			{"restricted-zone-b-router", "operational-zone-b-router"},
			{"contractor-network-router", "restricted-zone-a-router"},
			{"contractor-network-router", "restricted-zone-b-router"},
			{"contractor-network-router", "public-access-zone-router"},
			{"public-access-zone-router", "admin-network-router"},
			{"public-access-zone-router", "office-network-router"},
			{"internet-router", "contractor-network-router"},
			{"internet-router", "public-access-zone-router"},
		},
		// internet-router はアクション対象外
		ActionRouters: []RouterPort{
			{Router: "restricted-zone-a-router", Interface: "eth2"},
			{Router: "operational-zone-a-router", Interface: "eth2"},
			{Router: "restricted-zone-b-router", Interface: "eth2"},
			{Router: "operational-zone-b-router", Interface: "eth2"},
			{Router: "contractor-network-router", Interface: "eth2"},
			{Router: "public-access-zone-router", Interface: "eth2"},
			{Router: "admin-network-router", Interface: "eth2"},
			{Router: "office-network-router", Interface: "eth2"},
		},
	}
}

// DefaultAdjacency は横展開で到達できるサブネットの有向グラフを返す
func DefaultAdjacency() map[string][]string {
	return map[string][]string{
		"contractor_network": {"restricted_zone_a", "restricted_zone_b", "public_access_zone"},
		"restricted_zone_a":  {"operational_zone_a"},
		"restricted_zone_b":  {"operational_zone_b"},
		"public_access_zone": {"admin_network", "office_network"},
	}
}

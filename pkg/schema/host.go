package schema

// Host status values reported by the container runtime.
const (
	HostRunning = "running"
	HostStopped = "stopped"
)

// Process は ps の1行。
type Process struct {
	PID     int    `json:"pid"`
	User    string `json:"user"`
	Command string `json:"command"`
}

// HostSnapshot は1ステップ分のホスト観測結果。毎ステップ作り直される。
type HostSnapshot struct {
	Name        string    `json:"name"`
	IP          string    `json:"ip,omitempty"` // 不明な場合は空
	Status      string    `json:"status"`
	Image       string    `json:"image,omitempty"`
	Processes   []Process `json:"processes"`
	OpenPorts   []int     `json:"open_ports"`
	Compromised bool      `json:"compromised"`
	Indicators  []string  `json:"indicators,omitempty"` // Detector が検出した IOC
}

// Running はホストが稼働中かを返す。
func (h HostSnapshot) Running() bool {
	return h.Status == HostRunning
}

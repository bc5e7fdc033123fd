package collector

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/0x6d61/cagebridge/pkg/schema"
)

// portPattern はアドレス末尾の ":<port>" を取り出す（IPv6 の [::]:22 / :::22 も含む）
var portPattern = regexp.MustCompile(`:(\d{1,5})$`)

// ParsePS は ps aux の出力をプロセス一覧に変換する。
//
// ヘッダー行から PID / USER / COMMAND の列位置を決めるため、
// procps（USER PID %CPU ... COMMAND）と busybox（PID USER TIME COMMAND）の両方を扱える。
// ヘッダーが無い場合は busybox の並びとみなす。
func ParsePS(output string) []schema.Process {
	pidCol, userCol, cmdCol := 0, 1, 3

	lines := strings.Split(output, "\n")
	start := 0
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if containsField(fields, "PID") {
			for j, f := range fields {
				switch strings.ToUpper(f) {
				case "PID":
					pidCol = j
				case "USER", "UID":
					userCol = j
				case "COMMAND", "CMD", "ARGS":
					cmdCol = j
				}
			}
			start = i + 1
		}
		break
	}

	var procs []schema.Process
	for _, line := range lines[start:] {
		fields := strings.Fields(line)
		if len(fields) <= pidCol || len(fields) <= cmdCol {
			continue
		}
		pid, err := strconv.Atoi(fields[pidCol])
		if err != nil {
			continue
		}
		p := schema.Process{PID: pid, Command: strings.Join(fields[cmdCol:], " ")}
		if userCol < len(fields) {
			p.User = fields[userCol]
		}
		procs = append(procs, p)
	}
	return procs
}

func containsField(fields []string, want string) bool {
	for _, f := range fields {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// ParseListening は ss -tuln / netstat -tuln の出力から待ち受けポートを取り出す。
// 結果は昇順で重複なし。
func ParseListening(output string) []int {
	seen := make(map[int]bool)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || !isListeningLine(line, fields[0]) {
			continue
		}
		// 最初に ":" を含む列がローカルアドレス
		for _, f := range fields {
			if !strings.Contains(f, ":") {
				continue
			}
			if m := portPattern.FindStringSubmatch(f); m != nil {
				if port, err := strconv.Atoi(m[1]); err == nil && port > 0 && port <= 65535 {
					seen[port] = true
				}
			}
			break
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func isListeningLine(line, first string) bool {
	if strings.Contains(line, "LISTEN") || strings.Contains(line, "UNCONN") {
		return true
	}
	// netstat の udp 行には状態列がない
	return strings.HasPrefix(first, "udp")
}

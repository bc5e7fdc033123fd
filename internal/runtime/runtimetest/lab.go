package runtimetest

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/0x6d61/cagebridge/internal/runtime"
)

const labPS = `USER         PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root           1  0.0  0.1   4364  3328 ?        Ss   10:00   0:00 sleep infinity
`

// Lab は攻撃の痕跡をホストごとのファイル集合として模擬する Fake。
// Red Agent のペイロード・Detector の IOC チェック・Executor の痕跡削除が
// 互いに整合するだけの最小限のシェルを持つ。
type Lab struct {
	*Fake

	mu      sync.Mutex
	files   map[string]map[string]bool
	nextPID int
}

// NewLab は稼働中のホストを並べた Lab を作る。
func NewLab(names ...string) *Lab {
	l := &Lab{Fake: NewFake(names...), files: make(map[string]map[string]bool), nextPID: 1000}
	l.Fake.Handler = l.handle
	return l
}

// Plant はホストにファイルを置く。
func (l *Lab) Plant(host, file string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.files[host] == nil {
		l.files[host] = make(map[string]bool)
	}
	l.files[host][file] = true
}

// Has はホストにファイルがあるかを返す。
func (l *Lab) Has(host, file string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.files[host][file]
}

func (l *Lab) hasPrefix(host, prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for f := range l.files[host] {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

func exit(ok bool) runtime.ExecResult {
	if ok {
		return runtime.ExecResult{}
	}
	return runtime.ExecResult{ExitCode: 1}
}

func (l *Lab) handle(host, script string) (runtime.ExecResult, error) {
	switch {
	case strings.HasPrefix(script, "ps "):
		return runtime.ExecResult{Output: labPS}, nil

	case strings.HasPrefix(script, "test -f "):
		return exit(l.Has(host, strings.TrimPrefix(script, "test -f "))), nil

	case strings.HasPrefix(script, "ls /tmp/exfil_"):
		return exit(l.hasPrefix(host, "/tmp/exfil_")), nil

	case strings.HasPrefix(script, "ls /tmp/backdoor_"):
		return exit(l.hasPrefix(host, "/tmp/backdoor_")), nil

	case strings.HasPrefix(script, "touch "):
		l.Plant(host, strings.TrimPrefix(script, "touch "))
		return runtime.ExecResult{}, nil

	case strings.HasPrefix(script, "cp /etc/passwd "):
		l.Plant(host, strings.TrimPrefix(script, "cp /etc/passwd "))
		return runtime.ExecResult{}, nil

	case strings.HasPrefix(script, "mkdir -p /etc/periodic/15min"):
		l.Plant(host, "/etc/periodic/15min/backdoor.sh")
		return runtime.ExecResult{}, nil

	case strings.HasPrefix(script, "nc -l -p "):
		// nc -l -p PORT > LOG 2>&1 & echo $!
		if fields := strings.Fields(script); len(fields) > 5 {
			l.Plant(host, fields[5])
		}
		l.mu.Lock()
		l.nextPID++
		pid := l.nextPID
		l.mu.Unlock()
		return runtime.ExecResult{Output: fmt.Sprintf("%d\n", pid)}, nil

	case strings.HasPrefix(script, "for f in "):
		list, _, _ := strings.Cut(strings.TrimPrefix(script, "for f in "), ";")
		var removed []string
		l.mu.Lock()
		for _, pattern := range strings.Fields(list) {
			for f := range l.files[host] {
				if ok, _ := path.Match(pattern, f); ok {
					delete(l.files[host], f)
					removed = append(removed, f)
				}
			}
		}
		sort.Strings(removed)
		l.mu.Unlock()
		out := ""
		if len(removed) > 0 {
			out = strings.Join(removed, "\n") + "\n"
		}
		return runtime.ExecResult{Output: out}, nil
	}
	return runtime.ExecResult{}, nil
}

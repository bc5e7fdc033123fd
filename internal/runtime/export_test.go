package runtime

// テスト用のエクスポート

// FullNameForTest は naming.full をテストから呼ぶ。
func FullNameForTest(prefix, host string) string {
	return naming{prefix: prefix}.full(host)
}

// ShortNameForTest は naming.short をテストから呼ぶ。
func ShortNameForTest(prefix, container string) (string, bool) {
	return naming{prefix: prefix}.short(container)
}

// ParseInspectForTest は parseInspect をテストから呼ぶ。
func ParseInspectForTest(host, out string) (HostInfo, error) {
	return parseInspect(host, out)
}

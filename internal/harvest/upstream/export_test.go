package upstream

// ParsePage exposes the page interpretation rules for tests.
func ParsePage(body []byte) (items []Record, stop string, malformed bool) {
	return parsePage(body)
}

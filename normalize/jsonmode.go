package normalize

// jsonMode parses body as JSON, removes every value addressed by
// ignoreJSONPaths, then produces the stable (sorted-key) stringification.
func jsonMode(body []byte, ignoreJSONPaths []string) (string, error) {
	doc, err := decodeJSON(body)
	if err != nil {
		return "", err
	}
	doc = removePointers(doc, ignoreJSONPaths)
	return stableStringify(doc), nil
}

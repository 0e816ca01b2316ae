package jsonrpc

// SplitObjects scans data for top-level JSON objects and returns each
// complete object as its own slice. Agents that misbehave under load can
// emit several objects on one line, or interleave log text with frames;
// the scanner tracks brace depth and string state so braces inside string
// values do not confuse it.
//
// rest holds the trailing bytes of an object that opened but never closed
// (a truncated frame, candidate for repair). Bytes outside any object are
// discarded.
func SplitObjects(data []byte) (objects [][]byte, rest []byte) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(data); i++ {
		b := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					objects = append(objects, data[start:i+1])
					start = -1
				}
			}
		}
	}

	if start >= 0 {
		rest = data[start:]
	}
	return objects, rest
}

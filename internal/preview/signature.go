package preview

import "regexp"

// reBufferRealloc matches the engine failures raised when a filter stage
// cannot grow a frame buffer. Seen with delogo/crop on some source encodings.
var reBufferRealloc = regexp.MustCompile(
	`(?i)failed to reallocate|` +
		`realloc\w*[^\n]{0,60}buffer|` +
		`buffer[^\n]{0,60}realloc|` +
		`memory access out of bounds`)

// MatchBufferRealloc reports whether engine output contains the
// buffer-reallocation failure signature.
func MatchBufferRealloc(text string) bool {
	return reBufferRealloc.MatchString(text)
}

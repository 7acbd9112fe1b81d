package protocol

import (
	"bufio"
	"io"
	"strings"
)

// Parse reads one Postfix policy delegation request from r: a sequence
// of "name=value\n" lines terminated by a bare "\n", per spec.md §4.1
// and §6. Only the first "=" on a line splits the pair; values may
// contain "=" and any byte except "\n". maxSize bounds the total bytes
// read before the terminator is seen.
func Parse(r *bufio.Reader, maxSize int) (*Request, error) {
	attrs := make(map[string]string, 16)
	bytesRead := 0
	lastKey := ""

	for {
		line, err := r.ReadString('\n')
		bytesRead += len(line)
		if bytesRead > maxSize {
			return nil, ErrRequestTooLarge
		}

		if err != nil {
			if err == io.EOF && line == "" {
				return nil, &IncompleteRequestError{BytesRead: bytesRead, LastKey: lastKey, Err: err}
			}
			return nil, &IncompleteRequestError{BytesRead: bytesRead, LastKey: lastKey, Err: err}
		}

		trimmed := strings.TrimSuffix(line, "\n")
		if trimmed == "" {
			break
		}

		key, value := splitAttr(trimmed)
		attrs[key] = value
		lastKey = key
	}

	return &Request{attrs: attrs, Instance: attrs["instance"]}, nil
}

func splitAttr(line string) (string, string) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

// Serialize renders attrs back into the wire format, used by tests to
// exercise the parse(serialize(attrs)) == attrs round-trip property
// (spec.md §8).
func Serialize(attrs map[string]string) string {
	var b strings.Builder
	for k, v := range attrs {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

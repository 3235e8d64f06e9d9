package message

import (
	"fmt"
	"io"
)

// OrderedHeaders is a header list that preserves insertion order, for
// composing messages where header order is part of the output.
type OrderedHeaders []Header

type Header struct {
	Name, Value string
}

func (ohs *OrderedHeaders) Add(name, value string) {
	*ohs = append(*ohs, Header{name, value})
}

// Last returns the value of the last header with the given name, or the
// empty string.
func (ohs OrderedHeaders) Last(name string) string {
	for i := len(ohs) - 1; i >= 0; i-- {
		if ohs[i].Name == name {
			return ohs[i].Value
		}
	}
	return ""
}

func (ohs OrderedHeaders) Values(name string) []string {
	var result []string
	for _, oh := range ohs {
		if oh.Name == name {
			result = append(result, oh.Value)
		}
	}
	return result
}

// WriteTo writes the headers in order, each CRLF-terminated, followed by the
// blank header/body separator line.
func (ohs OrderedHeaders) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, oh := range ohs {
		n, err := fmt.Fprintf(w, "%s: %s\r\n", oh.Name, oh.Value)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := io.WriteString(w, "\r\n")
	return total + int64(n), err
}

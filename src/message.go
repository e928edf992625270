package astm

/*------------------------------------------------------------------
 *
 * Purpose:	A complete ASTM message: the H-to-L run of records
 *		assembled from one transfer phase.
 *
 *------------------------------------------------------------------*/

import "bytes"

// Message is one header-to-terminator sequence of records.  Raw lines
// are kept alongside the parsed trees so the sinks can dump exactly
// what came off the wire, framing stripped.
type Message struct {
	Records    []Record
	Delimiters Delimiters
}

// Text renders the message as CR-joined record lines.  This is both
// the on-disk format and the payload text of the push envelope.
func (m *Message) Text() string {
	var buf bytes.Buffer
	for i, r := range m.Records {
		if i > 0 {
			buf.WriteByte(CR)
		}
		buf.Write(r.Raw)
	}
	return buf.String()
}

// Type codes of the records, in order.  Useful for logs and tests.
func (m *Message) Types() []string {
	var types = make([]string, len(m.Records))
	for i, r := range m.Records {
		types[i] = r.Type
	}
	return types
}

// Package codec implements the SOL codec adapter (spec.md §4.B): the
// external collaborator that converts Manager notification records into
// canonical sensor objects, encodes sensor objects to and from the wire
// format used for backlog/HTTP transfer, and appends to / scans the
// append-only backup file.
//
// spec.md §1 deliberately externalizes the wire encoding of SOL objects.
// This package defines the Codec interface the rest of the gateway depends
// on, plus a default JSON-lines implementation — no third-party wire-codec
// library appears anywhere in the retrieval pack for this bespoke sensor
// format, so the default implementation is built on the standard library
// (see DESIGN.md).
package codec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/realms-team/solmanager/internal/sol"
)

// HealthReportRaw is the exact notification name filtered out by the ingest
// dispatcher (spec.md §4.D step 1): a raw/unstructured health-report form
// reserved for internal SDK use.
const HealthReportRaw = "notifHealthReportRaw"

// Codec is the narrow interface the rest of the gateway depends on.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Transform converts a single Manager notification, already stamped
	// with its epoch, into zero or more SOL objects. Some notifications
	// yield multiple objects (e.g. a multi-reading data frame); some yield
	// none (informational log lines that do not map to a sensor reading).
	Transform(n *sol.Notification, epoch int64) ([]*sol.Object, error)

	// EncodeBinary renders a single SOL object to the wire's binary form.
	EncodeBinary(o *sol.Object) ([]byte, error)

	// DecodeBinary parses a single SOL object from its binary form.
	DecodeBinary(b []byte) (*sol.Object, error)

	// BuildHTTPPayload wraps an ordered slice of already-binary-encoded
	// objects into the body posted to the remote server.
	BuildHTTPPayload(encoded [][]byte) ([]byte, error)

	// AppendFile appends the given objects, in order, to the backup file
	// at path, creating the file if it does not exist.
	AppendFile(path string, objs []*sol.Object) error

	// ScanRange reads the backup file at path and returns every object
	// whose timestamp falls within [start, end] inclusive.
	ScanRange(path string, start, end int64) ([]*sol.Object, error)

	// CountRange is ScanRange's count-only counterpart, used by the
	// control API's resend "count" action (spec.md §4.J) without building
	// the full object slice.
	CountRange(path string, start, end int64) (int, error)
}

// JSONCodec is the default Codec implementation: each SOL object is one line
// of JSON ("JSON lines"), both on disk and within an HTTP payload.
type JSONCodec struct{}

// New returns the default JSON-lines codec.
func New() *JSONCodec {
	return &JSONCodec{}
}

var _ Codec = (*JSONCodec)(nil)

// Transform maps well-known notification names to SOL object types.
// Notifications this gateway does not recognize produce no objects, per
// spec.md §4.D step 4 ("some notifications yield ... none").
func (c *JSONCodec) Transform(n *sol.Notification, epoch int64) ([]*sol.Object, error) {
	mac, err := fieldMAC(n.Fields, "mac")
	if err != nil {
		return nil, err
	}

	var typ sol.Type
	switch n.Name {
	case "notifData":
		typ = sol.TypeRawData
	case "notifEvent":
		typ = sol.TypeEvent
	case "notifHealthReport":
		typ = sol.TypeHealth
	case "notifIpData":
		typ = sol.TypeIPData
	case "notifLog":
		typ = sol.TypeLog
	default:
		return nil, nil
	}

	obj, err := sol.New(mac, epoch, typ, n.Fields)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", n.Name, err)
	}
	return []*sol.Object{obj}, nil
}

// EncodeBinary serializes an object as a single line of JSON.
func (c *JSONCodec) EncodeBinary(o *sol.Object) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encoding sol object: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeBinary parses a single JSON-line-encoded object.
func (c *JSONCodec) DecodeBinary(b []byte) (*sol.Object, error) {
	var o sol.Object
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("decoding sol object: %w", err)
	}
	return &o, nil
}

// BuildHTTPPayload concatenates already-encoded objects into one payload;
// since EncodeBinary already newline-terminates each object, concatenation
// alone yields valid JSON lines.
func (c *JSONCodec) BuildHTTPPayload(encoded [][]byte) ([]byte, error) {
	var out []byte
	for _, e := range encoded {
		out = append(out, e...)
	}
	return out, nil
}

// AppendFile opens path for append (creating it if necessary) and writes
// each object as one encoded line, in order.
func (c *JSONCodec) AppendFile(path string, objs []*sol.Object) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening backup file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, o := range objs {
		b, err := c.EncodeBinary(o)
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("writing to backup file %s: %w", path, err)
		}
	}
	return w.Flush()
}

// ScanRange reads the backup file line by line, decoding and filtering by
// timestamp. A missing file yields an empty slice, not an error, matching
// the "initial-read tolerates absence" spirit applied to reads generally.
func (c *JSONCodec) ScanRange(path string, start, end int64) ([]*sol.Object, error) {
	var out []*sol.Object
	err := c.scan(path, start, end, func(o *sol.Object) {
		out = append(out, o)
	})
	return out, err
}

// CountRange is ScanRange without accumulating the matched objects.
func (c *JSONCodec) CountRange(path string, start, end int64) (int, error) {
	n := 0
	err := c.scan(path, start, end, func(*sol.Object) { n++ })
	return n, err
}

func (c *JSONCodec) scan(path string, start, end int64, visit func(*sol.Object)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening backup file %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		o, err := c.DecodeBinary(line)
		if err != nil {
			return fmt.Errorf("scanning backup file %s: %w", path, err)
		}
		if o.Timestamp >= start && o.Timestamp <= end {
			visit(o)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading backup file %s: %w", path, err)
	}
	return nil
}

func fieldMAC(fields map[string]interface{}, key string) (sol.MAC, error) {
	v, ok := fields[key]
	if !ok {
		return sol.MAC{}, fmt.Errorf("notification missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return sol.MAC{}, fmt.Errorf("field %q is not a string", key)
	}
	return sol.ParseMAC(s)
}

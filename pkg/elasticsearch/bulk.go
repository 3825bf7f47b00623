package elasticsearch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// VersionConflict is the item error type returned when a create targets an
// id that already exists.
const VersionConflict = "version_conflict_engine_exception"

// BulkRequest accumulates create actions into an NDJSON body.
type BulkRequest struct {
	buf   bytes.Buffer
	items int
}

// Create appends an action line and the document line. With hasID false the
// sink allocates the id.
func (r *BulkRequest) Create(id string, hasID bool, doc []byte) error {
	if hasID {
		quoted, err := json.Marshal(id)
		if err != nil {
			return fmt.Errorf("encode id: %w", err)
		}
		r.buf.WriteString(`{"create":{"_id":`)
		r.buf.Write(quoted)
		r.buf.WriteString("}}\n")
	} else {
		r.buf.WriteString(`{"create":{}}` + "\n")
	}
	r.buf.Write(doc)
	r.buf.WriteByte('\n')
	r.items++
	return nil
}

// Len is the number of actions.
func (r *BulkRequest) Len() int { return r.items }

func (r *BulkRequest) Bytes() []byte { return r.buf.Bytes() }

func (r *BulkRequest) Reset() {
	r.buf.Reset()
	r.items = 0
}

type ItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkItem is one per-action result, in request order.
type BulkItem struct {
	Action string
	Index  string
	ID     string
	Status int
	Error  *ItemError
}

// OK reports whether the item counts as indexed. A version conflict means
// a previous delivery already created the document.
func (i BulkItem) OK() bool {
	return i.Error == nil || i.Error.Type == VersionConflict
}

// ErrorType is the item error type, empty when the item succeeded.
func (i BulkItem) ErrorType() string {
	if i.Error == nil {
		return ""
	}
	return i.Error.Type
}

type BulkResponse struct {
	Took   int
	Errors bool
	Items  []BulkItem
}

type itemBody struct {
	Index  string     `json:"_index"`
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *ItemError `json:"error"`
}

type responseBody struct {
	Took   int                   `json:"took"`
	Errors *bool                 `json:"errors"`
	Items  []map[string]itemBody `json:"items"`
}

// ParseBulkResponse decodes a _bulk response body. A body without the
// errors flag or the items list is rejected, as is an item that does not
// hold exactly one action.
func ParseBulkResponse(r io.Reader) (*BulkResponse, error) {
	var body responseBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if body.Errors == nil {
		return nil, errors.New("bulk response has no errors flag")
	}
	if body.Items == nil {
		return nil, errors.New("bulk response has no items")
	}

	out := &BulkResponse{
		Took:   body.Took,
		Errors: *body.Errors,
		Items:  make([]BulkItem, 0, len(body.Items)),
	}
	for i, entry := range body.Items {
		if len(entry) != 1 {
			return nil, fmt.Errorf("bulk response item %d has %d actions", i, len(entry))
		}
		for action, item := range entry {
			out.Items = append(out.Items, BulkItem{
				Action: action,
				Index:  item.Index,
				ID:     item.ID,
				Status: item.Status,
				Error:  item.Error,
			})
		}
	}
	return out, nil
}

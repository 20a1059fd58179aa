// Package control implements the remote control protocol: a caller running in
// a kernel sends one Request at a time over its channel and receives one
// Response.
//
// Requests carry no correlation id by default, so a channel supports a single
// outstanding request. A caller that sets RequestID gets it echoed back, which
// lets it detect a mismatched reply; it does not make concurrent requests safe
// on a shared channel.
package control

import (
	"encoding/json"
	"errors"

	"github.com/vk/cellpilot/internal/notebook"
)

// Action selects what a Request does.
type Action string

const (
	CreateCell      Action = "create_cell"
	UpdateCell      Action = "update_cell"
	DeleteCell      Action = "delete_cell"
	RunCell         Action = "run_cell"
	GetNotebookData Action = "get_notebook_data"
)

// Placement selects where create_cell inserts.
type Placement string

const (
	AtStart   Placement = "at_start"
	AtEnd     Placement = "at_end"
	AddBefore Placement = "add_before"
	AddAfter  Placement = "add_after"
)

var (
	ErrDocumentNotFound      = errors.New("document not found")
	ErrCellNotFound          = errors.New("cell not found")
	ErrReferenceCellNotFound = errors.New("reference cell not found")
	ErrUnknownAction         = errors.New("unknown action")
	ErrInvalidRequest        = errors.New("invalid request")
)

// Request is one inbound control message. For add_before and add_after the
// reference cell is given in CellID.
type Request struct {
	Action       Action    `json:"action"`
	NotebookPath string    `json:"notebook_path,omitempty"`
	CellID       string    `json:"cell_id,omitempty"`
	CellType     string    `json:"cell_type,omitempty"`
	Content      *string   `json:"content,omitempty"`
	Placement    Placement `json:"placement,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
}

// Response answers a Request. CellIDHead is only serialized, possibly as
// null, when Notebook is set.
type Response struct {
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	CellID     string             `json:"cell_id,omitempty"`
	CellIndex  *int               `json:"cell_index,omitempty"`
	Notebook   *notebook.Snapshot `json:"notebook,omitempty"`
	CellIDHead *string            `json:"-"`
	RequestID  string             `json:"request_id,omitempty"`
}

type responseAlias Response

type responseWithHead struct {
	responseAlias
	CellIDHead *string `json:"cell_id_head"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Notebook == nil {
		return json.Marshal(responseAlias(r))
	}
	return json.Marshal(responseWithHead{responseAlias: responseAlias(r), CellIDHead: r.CellIDHead})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var raw responseWithHead
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Response(raw.responseAlias)
	r.CellIDHead = raw.CellIDHead
	return nil
}

// Failure builds a success:false response for err.
func Failure(err error) Response {
	return Response{Error: err.Error()}
}

func intPtr(v int) *int { return &v }

package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/strata/strata/pkg/types"
)

// rowEncoder writes one export format. begin is called once, before the first row
// or at the end of an empty export; end only after a successful stream.
type rowEncoder interface {
	begin() error
	row(e *types.Event) error
	end() error
}

func newEncoder(format types.ExportFormat, w io.Writer) rowEncoder {
	switch format {
	case types.FormatJSON:
		return &jsonArrayEncoder{w: w}
	case types.FormatCSV:
		return &csvEncoder{w: csv.NewWriter(w)}
	default:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return &ndjsonEncoder{enc: enc}
	}
}

type ndjsonEncoder struct {
	enc *json.Encoder
}

func (n *ndjsonEncoder) begin() error             { return nil }
func (n *ndjsonEncoder) row(e *types.Event) error { return n.enc.Encode(e) }
func (n *ndjsonEncoder) end() error               { return nil }

type jsonArrayEncoder struct {
	w     io.Writer
	count int
}

func (j *jsonArrayEncoder) begin() error {
	_, err := io.WriteString(j.w, "[")
	return err
}

func (j *jsonArrayEncoder) row(e *types.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if j.count > 0 {
		if _, err := io.WriteString(j.w, ","); err != nil {
			return err
		}
	}
	j.count++
	_, err = j.w.Write(b)
	return err
}

func (j *jsonArrayEncoder) end() error {
	_, err := io.WriteString(j.w, "]\n")
	return err
}

var csvHeader = []string{
	"id", "tenant_id", "workspace_id", "project_id", "timestamp", "category", "action",
	"actor_id", "actor_email", "actor_role", "resource_type", "resource_id",
	"ip", "user_agent", "trace_id", "metadata", "prev_hash", "hash", "archived",
}

type csvEncoder struct {
	w *csv.Writer
}

func (c *csvEncoder) begin() error {
	return c.w.Write(csvHeader)
}

func (c *csvEncoder) row(e *types.Event) error {
	prev := ""
	if e.PrevHash != nil {
		prev = *e.PrevHash
	}
	err := c.w.Write([]string{
		e.ID, e.TenantID, e.WorkspaceID, e.ProjectID, e.Timestamp.UTC().Format(timestampLayout),
		e.Category, e.Action, e.Actor.ID, e.Actor.Email, e.Actor.Role,
		e.Resource.Type, e.Resource.ID, e.Network.IPAddress, e.Network.UserAgent, e.TraceID,
		string(e.Metadata), prev, e.Hash, strconv.FormatBool(e.Archived),
	})
	if err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvEncoder) end() error {
	c.w.Flush()
	return c.w.Error()
}

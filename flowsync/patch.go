package flowsync

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PatchOp string

const (
	PatchOpAdd    PatchOp = "add"
	PatchOpUpdate PatchOp = "update"
	PatchOpRemove PatchOp = "remove"
)

const (
	ElementTypeNode = "node"
	ElementTypeEdge = "edge"
)

// Patch is one add/update/remove instruction targeting one identity in a
// named collection context. Patches arrive from a best-effort streaming
// source that may reorder or partially duplicate operations, so no patch
// shape is treated as an error.
type Patch struct {
	Op      PatchOp        `json:"op"`
	Id      string         `json:"id"`
	Type    string         `json:"type,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

type PatchRecord struct {
	Id     string
	Type   string
	Fields map[string]any
}

// ApplyPatch returns a new collection reflecting the operation. The input is
// never mutated, which keeps it safe for concurrent readers of the previous
// snapshot.
//
// Edge-case policy:
//   - add on an existing identity degrades to a merge update
//   - update on a missing identity degrades to an insert when a full data
//     payload is supplied, otherwise is a no-op
//   - remove on a missing identity is a no-op
func ApplyPatch(records []*PatchRecord, patch *Patch) []*PatchRecord {
	i := slices.IndexFunc(records, func(record *PatchRecord) bool {
		return record.Id == patch.Id
	})

	switch patch.Op {
	case PatchOpAdd:
		if 0 <= i {
			return mergeRecord(records, i, patch.Data)
		}
		return appendRecord(records, patch, patch.Data)
	case PatchOpUpdate:
		if 0 <= i {
			payload := patch.Changes
			if payload == nil {
				payload = patch.Data
			}
			return mergeRecord(records, i, payload)
		}
		if patch.Data == nil {
			return records
		}
		return appendRecord(records, patch, patch.Data)
	case PatchOpRemove:
		if i < 0 {
			return records
		}
		next := slices.Clone(records)
		return slices.Delete(next, i, i+1)
	}
	// unknown op
	return records
}

func appendRecord(records []*PatchRecord, patch *Patch, fields map[string]any) []*PatchRecord {
	record := &PatchRecord{
		Id:     patch.Id,
		Type:   patch.Type,
		Fields: maps.Clone(fields),
	}
	if record.Fields == nil {
		record.Fields = map[string]any{}
	}
	next := slices.Clone(records)
	return append(next, record)
}

func mergeRecord(records []*PatchRecord, i int, fields map[string]any) []*PatchRecord {
	if len(fields) == 0 {
		return records
	}
	existing := records[i]
	merged := &PatchRecord{
		Id:     existing.Id,
		Type:   existing.Type,
		Fields: maps.Clone(existing.Fields),
	}
	if merged.Fields == nil {
		merged.Fields = map[string]any{}
	}
	maps.Copy(merged.Fields, fields)
	next := slices.Clone(records)
	next[i] = merged
	return next
}

// GraphState is a pair of node and edge collections assembled from a stream
// of partial instructions. Apply routes each patch to its named context and
// returns a fresh snapshot.
type GraphState struct {
	Nodes []*PatchRecord
	Edges []*PatchRecord
}

func (self *GraphState) Apply(patch *Patch) *GraphState {
	next := &GraphState{
		Nodes: self.Nodes,
		Edges: self.Edges,
	}
	switch patch.Type {
	case ElementTypeEdge:
		next.Edges = ApplyPatch(self.Edges, patch)
	default:
		next.Nodes = ApplyPatch(self.Nodes, patch)
	}
	return next
}

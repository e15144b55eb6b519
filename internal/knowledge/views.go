package knowledge

import (
	"github.com/agentworkforce/knowsync/internal/opcache"
)

// Partition key families. Every component addresses the cache through
// these constructors so key shapes stay in one place.
const (
	KeyDomainKnowledge  = "knowledge"
	KeyDomainOperations = "operations"
)

func ListKey() opcache.Key {
	return opcache.Key{KeyDomainKnowledge, "list"}
}

func SummaryKey(filter string) opcache.Key {
	return opcache.Key{KeyDomainKnowledge, "summary", filter}
}

func SummaryPrefix() opcache.Key {
	return opcache.Key{KeyDomainKnowledge, "summary"}
}

func KnowledgePrefix() opcache.Key {
	return opcache.Key{KeyDomainKnowledge}
}

func DetailKey(sourceID string) opcache.Key {
	return opcache.Key{KeyDomainKnowledge, "detail", sourceID}
}

func ActiveOperationsKey() opcache.Key {
	return opcache.Key{KeyDomainOperations, "active"}
}

func cloneEntity(e Entity) Entity {
	out := e
	out.Tags = append([]string(nil), e.Tags...)
	out.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	return out
}

func cloneOperation(op Operation) Operation {
	return op
}

// EntityPage backs the list and summary partitions: a page of denormalized
// entities plus the server-reported total for the filter.
type EntityPage struct {
	Items []Entity `json:"items"`
	Total int      `json:"total"`
}

func (p EntityPage) CloneView() opcache.View {
	out := EntityPage{Total: p.Total}
	if p.Items != nil {
		out.Items = make([]Entity, len(p.Items))
		for i, item := range p.Items {
			out.Items[i] = cloneEntity(item)
		}
	}
	return out
}

func (p EntityPage) RewriteID(oldID, newID string) opcache.View {
	out := p.CloneView().(EntityPage)
	for i := range out.Items {
		if out.Items[i].SourceID == oldID {
			out.Items[i].SourceID = newID
		}
	}
	return out
}

// EntityDetail backs the per-item detail partition.
type EntityDetail struct {
	Entity Entity `json:"entity"`
}

func (d EntityDetail) CloneView() opcache.View {
	return EntityDetail{Entity: cloneEntity(d.Entity)}
}

func (d EntityDetail) RewriteID(oldID, newID string) opcache.View {
	out := d.CloneView().(EntityDetail)
	if out.Entity.SourceID == oldID {
		out.Entity.SourceID = newID
	}
	return out
}

// OperationList backs the active-operations partition.
type OperationList struct {
	Operations []Operation `json:"operations"`
	Count      int         `json:"count"`
	Timestamp  string      `json:"timestamp,omitempty"`
}

func (l OperationList) CloneView() opcache.View {
	out := OperationList{Count: l.Count, Timestamp: l.Timestamp}
	if l.Operations != nil {
		out.Operations = make([]Operation, len(l.Operations))
		for i, op := range l.Operations {
			out.Operations[i] = cloneOperation(op)
		}
	}
	return out
}

func (l OperationList) RewriteID(oldID, newID string) opcache.View {
	out := l.CloneView().(OperationList)
	for i := range out.Operations {
		if out.Operations[i].OperationID == oldID {
			out.Operations[i].OperationID = newID
		}
		if out.Operations[i].SourceID == oldID {
			out.Operations[i].SourceID = newID
		}
	}
	return out
}

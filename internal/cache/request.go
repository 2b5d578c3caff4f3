package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cachedb/internal/watcher"
)

// Action is what a tab asks the cache to do.
type Action string

const (
	ActionLogin      Action = "login"
	ActionLogout     Action = "logout"
	ActionGet        Action = "get"
	ActionWatch      Action = "watch"
	ActionUnwatch    Action = "unwatch"
	ActionInvalidate Action = "invalidate"
)

// Sentinel errors reported back to tabs.
var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrNotWatchable    = errors.New("resource is not watchable")
	ErrInvalidResource = errors.New("invalid resource")
	ErrTimeout         = errors.New("request timed out")
	ErrAbandoned       = errors.New("request abandoned")
)

// ResourceKind names a backend entity type.
type ResourceKind string

const (
	KindEntry   ResourceKind = "entry"
	KindRole    ResourceKind = "role"
	KindTable   ResourceKind = "table"
	KindProject ResourceKind = "project"
)

// VersionNewest addresses the latest version of an entry.
const VersionNewest = "newest"

// Resource addresses one backend entity.
type Resource struct {
	Kind      ResourceKind `json:"kind"`
	ProjectID string       `json:"projectId"`
	EntryID   string       `json:"entryId,omitempty"`
	RoleID    string       `json:"roleId,omitempty"`
	TableID   string       `json:"tableId,omitempty"`
	Version   string       `json:"version,omitempty"`
}

// Validate checks that the ids the kind needs are present.
func (r Resource) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("%w: projectId required", ErrInvalidResource)
	}
	switch r.Kind {
	case KindProject:
	case KindEntry:
		if r.EntryID == "" {
			return fmt.Errorf("%w: entryId required", ErrInvalidResource)
		}
	case KindRole:
		if r.RoleID == "" {
			return fmt.Errorf("%w: roleId required", ErrInvalidResource)
		}
	case KindTable:
		if r.TableID == "" {
			return fmt.Errorf("%w: tableId required", ErrInvalidResource)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidResource, r.Kind)
	}
	return nil
}

// Key identifies the resource in the local cache.
func (r Resource) Key() string {
	var id string
	switch r.Kind {
	case KindEntry:
		id = r.EntryID
	case KindRole:
		id = r.RoleID
	case KindTable:
		id = r.TableID
	}
	key := r.ProjectID + "/" + id
	if r.Kind == KindEntry {
		key += "@" + r.version()
	}
	return key
}

// Endpoint is the backend endpoint that fetches the resource, e.g. getEntry.
func (r Resource) Endpoint() string {
	kind := string(r.Kind)
	if kind == "" {
		return "get"
	}
	return "get" + strings.ToUpper(kind[:1]) + kind[1:]
}

func (r Resource) version() string {
	if r.Version == "" {
		return VersionNewest
	}
	return r.Version
}

// Topic implements watcher.Watchable. Only the newest version of an entry
// and roles can be watched.
func (r Resource) Topic() (watcher.Topic, bool) {
	switch {
	case r.Kind == KindEntry && r.version() == VersionNewest:
		return watcher.Topic{"event": "entryUpdate", "projectId": r.ProjectID, "entryId": r.EntryID}, true
	case r.Kind == KindRole:
		return watcher.Topic{"event": "roleUpdate", "projectId": r.ProjectID, "roleId": r.RoleID}, true
	default:
		return nil, false
	}
}

// Request is one message from a tab.
type Request struct {
	RequestID string    `json:"requestId"`
	Action    Action    `json:"action"`
	Resource  *Resource `json:"resource,omitempty"`
	Token     string    `json:"token,omitempty"`
}

// Response is one message back to a tab. A watch produces one response per
// event.
type Response struct {
	RequestID string            `json:"requestId"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Event     watcher.EventKind `json:"event,omitempty"`
	Error     string            `json:"error,omitempty"`
}

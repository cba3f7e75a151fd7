package audit

import (
	"net/http"
	"time"

	"github.com/traderdesk/traderdesk/internal/shared"
)

// Actor types recorded against an entry.
const (
	ActorAdmin  = "admin"
	ActorUser   = "user"
	ActorSystem = "system"
)

// Entry mewakili satu baris audit yang tidak pernah diubah setelah ditulis.
type Entry struct {
	ID           int64
	Action       string
	ResourceType string
	ResourceID   string
	ActorID      int64
	ActorType    string
	ActorEmail   string
	Before       map[string]any
	After        map[string]any
	IP           string
	UserAgent    string
	OccurredAt   time.Time
}

// Actor identifies who performed an audited action, plus request metadata.
type Actor struct {
	ID        int64
	Type      string
	Email     string
	IP        string
	UserAgent string
}

// SystemActor is used for mutations performed by background jobs.
var SystemActor = Actor{Type: ActorSystem, Email: "system"}

// ActorFromRequest builds an actor from the request identity plus client
// metadata. Returns the zero actor when the request is unauthenticated.
func ActorFromRequest(r *http.Request) Actor {
	actor := Actor{IP: r.RemoteAddr, UserAgent: r.UserAgent()}
	if identity := shared.IdentityFromContext(r.Context()); identity != nil {
		actor.ID = identity.ID
		actor.Email = identity.Email
		actor.Type = ActorUser
		if identity.Kind == shared.KindAdmin {
			actor.Type = ActorAdmin
		}
	}
	return actor
}

// NewEntry builds an entry attributed to the actor.
func (a Actor) NewEntry(action, resourceType, resourceID string, before, after map[string]any) Entry {
	return Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorID:      a.ID,
		ActorType:    a.Type,
		ActorEmail:   a.Email,
		Before:       before,
		After:        after,
		IP:           a.IP,
		UserAgent:    a.UserAgent,
	}
}

// Filters menampung filter dasar untuk listing audit.
type Filters struct {
	From         time.Time
	To           time.Time
	ActorEmail   string
	Action       string
	ResourceType string
	Page         int
	PageSize     int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result membungkus hasil listing dengan informasi paging.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}

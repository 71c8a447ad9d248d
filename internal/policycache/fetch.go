package policycache

import "github.com/dray-io/lsmttl/internal/sext"

// FetchAction names what a FetchRequest asks for.
type FetchAction int

const (
	// ActionCollectionProperties asks for the properties of a collection.
	// Args are the collection type and name.
	ActionCollectionProperties FetchAction = iota + 1
)

func (a FetchAction) String() string {
	switch a {
	case ActionCollectionProperties:
		return "collection-properties"
	default:
		return "unknown"
	}
}

// FetchRequest is handed to a Fetcher on a cache miss.
type FetchRequest struct {
	Action FetchAction
	Args   []string
	// ReplyKey is the id the answer must be inserted under.
	ReplyKey sext.CollectionID
}

// Fetcher asks the policy authority for a policy. It returns false when
// the request cannot be sent at all. After returning true the authority is
// expected to call Insert, or Reject on failure, eventually.
type Fetcher interface {
	FetchPolicy(req FetchRequest) bool
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(req FetchRequest) bool

func (f FetcherFunc) FetchPolicy(req FetchRequest) bool { return f(req) }

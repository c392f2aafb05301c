package botnet

// RefKind tells which identifier form a ChannelRef carries.
type RefKind string

// Channel reference kinds.
const (
	RefChannelID RefKind = "id"
	RefHandle    RefKind = "handle"
	RefUsername  RefKind = "username"
)

// Ref is either a ChannelRef or a VideoRef.
type Ref interface {
	String() string
	isRef()
}

// ChannelRef is a normalized channel reference.
type ChannelRef struct {
	Kind  RefKind `json:"kind"`
	Value string  `json:"value"`
}

// ChannelID returns a reference to a canonical channel ID.
func ChannelID(id string) ChannelRef {
	return ChannelRef{Kind: RefChannelID, Value: id}
}

// String returns the identifier as written: the ID, "@handle", or username.
func (r ChannelRef) String() string {
	return r.Value
}

func (ChannelRef) isRef() {}

// VideoRef is a normalized video reference.
type VideoRef struct {
	ID string `json:"video_id"`
}

// String returns the video ID.
func (r VideoRef) String() string {
	return r.ID
}

func (VideoRef) isRef() {}

package ws

// AudienceKind selects which connected clients receive a published event.
type AudienceKind int

const (
	// AudienceAll targets every connected client.
	AudienceAll AudienceKind = iota
	// AudienceAllExcept targets everyone but one connection.
	AudienceAllExcept
	// AudienceSingle targets exactly one connection.
	AudienceSingle
	// AudienceModerators targets clients holding a moderator token.
	AudienceModerators
)

// Audience describes the target set of a broadcast. The optional Filter is an
// expression over filter.Env evaluated per candidate client; clients for
// which it does not return true are skipped.
type Audience struct {
	Kind         AudienceKind
	ConnectionID string
	Filter       string
}

func All() Audience {
	return Audience{Kind: AudienceAll}
}

func AllExcept(connectionID string) Audience {
	return Audience{Kind: AudienceAllExcept, ConnectionID: connectionID}
}

func Single(connectionID string) Audience {
	return Audience{Kind: AudienceSingle, ConnectionID: connectionID}
}

func Moderators() Audience {
	return Audience{Kind: AudienceModerators}
}

// WithFilter narrows the audience by a target filter expression.
func (a Audience) WithFilter(expression string) Audience {
	a.Filter = expression
	return a
}

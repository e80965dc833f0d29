package filter

/*
Here the Env used in the audience target filters is defined.
Once this struct is fixed, it should not be changed, otherwise stored filter
expressions may not compile any more (f.e. if properties are renamed etc.)
*/

type Participant struct {
	IdentityID   string
	DisplayName  string
	AvatarRef    string
	MessageCount int64
	Banned       bool
}

type Target struct {
	Participant
	ConnectionID string
	IsModerator  bool
}

type Env struct {
	Target  Target
	Event   string
	Created int64
}

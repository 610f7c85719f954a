package store

// Character is a read-only snapshot of a role card. Rows hold the
// chara_card_v2 fields flattened; the extensions column carries the
// platform-specific additions.
type Character struct {
	RoleID       string
	Name         string
	SystemPrompt string
	FirstMes     string
	Extensions   CharacterExtensions
}

// CharacterExtensions carries the optional role card extensions.
type CharacterExtensions struct {
	PostLink string `json:"post_link,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Title    string `json:"title,omitempty"`
}

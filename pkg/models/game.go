package models

import "encoding/json"

// Game is one catalog entry. Only the fields the proxy acts on are typed;
// Raw keeps the complete entry so digests see every field.
type Game struct {
	Title string `json:"title"`
	Type  string `json:"type"`
	Link  string `json:"link"`
	Image string `json:"image,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Catalog is the games.json document.
type Catalog struct {
	Games []Game `json:"games"`
}

// UnmarshalJSON decodes a game and keeps its raw bytes.
func (g *Game) UnmarshalJSON(data []byte) error {
	type plain Game
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = Game(p)
	g.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Package frames holds the eyewear catalog served to the try-on UI.
// The catalog is compiled in; frame art ships with the static assets.
package frames

// Frame describes one eyewear model and its default placement on a
// detected face.
type Frame struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	Width       int    `json:"default_width"`
	Height      int    `json:"default_height"`
	X           int    `json:"default_x"`
	Y           int    `json:"default_y"`
}

var catalog = []Frame{
	{
		ID:          "aviator_classic",
		Name:        "Classic Aviator",
		Category:    "classic",
		Description: "Timeless aviator style with metal frame",
		ImageURL:    "/static/frames/aviator_classic.png",
		Width:       300,
		Height:      100,
		X:           400,
		Y:           200,
	},
	{
		ID:          "round_vintage",
		Name:        "Round Vintage",
		Category:    "vintage",
		Description: "Classic round frame design",
		ImageURL:    "/static/frames/round_vintage.png",
		Width:       280,
		Height:      120,
		X:           410,
		Y:           190,
	},
	{
		ID:          "sport_modern",
		Name:        "Sport Modern",
		Category:    "sport",
		Description: "Modern sport frame with wraparound design",
		ImageURL:    "/static/frames/sport_modern.png",
		Width:       320,
		Height:      90,
		X:           390,
		Y:           210,
	},
}

// All returns the catalog in display order. Callers get a copy so the
// catalog itself stays immutable.
func All() []Frame {
	out := make([]Frame, len(catalog))
	copy(out, catalog)
	return out
}

// ByID looks a frame up by its identifier.
func ByID(id string) (Frame, bool) {
	for _, f := range catalog {
		if f.ID == id {
			return f, true
		}
	}
	return Frame{}, false
}

package search

// CardRecord is the data we index for a card.
type CardRecord struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	CanvasID string `json:"canvasId"`
	Type     string `json:"type"`
	Lane     string `json:"lane"`
	Status   string `json:"status"`
	Text     string `json:"text"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	CardID  string `json:"card_id"`
	Type    string `json:"type"`
	Lane    string `json:"lane"`
	Status  string `json:"status"`
	Snippet string `json:"snippet"`
}

// Query describes a search request, always scoped to one user's canvas.
type Query struct {
	UserID     string
	CanvasID   string
	Text       string
	FilterType string // empty = all types
	FilterLane string // empty = all lanes
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

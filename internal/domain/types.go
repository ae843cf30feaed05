package domain

import "time"

// ItemKind is the capture category assigned by the classification pipeline
type ItemKind string

const (
	KindWeb   ItemKind = "web"
	KindVideo ItemKind = "video"
	KindRepo  ItemKind = "repo"
)

// Item represents a captured link
type Item struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Kind       ItemKind  `json:"kind"`
	CapturedAt time.Time `json:"captured_at"`
}

// InterestType is the kind of node in a user's interest graph
type InterestType string

const (
	InterestTopic  InterestType = "topic"
	InterestTool   InterestType = "tool"
	InterestDomain InterestType = "domain"
	InterestPerson InterestType = "person"
	InterestRepo   InterestType = "repo"
)

// Valid reports whether t is one of the known interest types
func (t InterestType) Valid() bool {
	switch t {
	case InterestTopic, InterestTool, InterestDomain, InterestPerson, InterestRepo:
		return true
	}
	return false
}

// Interest is a weighted node of a user's interest graph
type Interest struct {
	UserID          string       `json:"user_id"`
	Type            InterestType `json:"type"`
	Value           string       `json:"value"`
	OccurrenceCount int          `json:"occurrence_count"`
	FirstSeen       time.Time    `json:"first_seen"`
	LastSeen        time.Time    `json:"last_seen"`
	Weight          float64      `json:"weight"`
}

// Container is a named cluster of items owned by one user
type Container struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ItemCount   int    `json:"item_count"`
}

// ContainerItem is a membership edge between a container and an item
type ContainerItem struct {
	ContainerID string `json:"container_id"`
	ItemID      string `json:"item_id"`
}

// Trend is a narrated, expiring record derived from trend signals
type Trend struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	TrendType   string    `json:"trend_type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Signals     string    `json:"signals"`
	Strength    float64   `json:"strength"`
	DetectedAt  time.Time `json:"detected_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Surfaced    bool      `json:"surfaced"`
}

// MergeSuggestion proposes folding source into target. It comes from the
// completion service and is untrusted until validated.
type MergeSuggestion struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// MergeCandidate is a container offered to the merge advisor
type MergeCandidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ItemCount   int      `json:"item_count"`
	Items       []string `json:"items"`
}

// Frequency is a user's delivery cadence
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyNone   Frequency = "none"
)

// ParseFrequency normalizes a stored cadence; unknown values mean none
func ParseFrequency(s string) Frequency {
	switch Frequency(s) {
	case FrequencyDaily, FrequencyWeekly:
		return Frequency(s)
	}
	return FrequencyNone
}

// DeliveryUser holds the cadence settings that drive digest scheduling
type DeliveryUser struct {
	ID        string    `json:"id"`
	Timezone  string    `json:"timezone"`
	Frequency Frequency `json:"frequency"`
	DayOfWeek *int      `json:"day_of_week,omitempty"`
	TimeOfDay string    `json:"time_of_day"`
}

package store

import "time"

const (
	CollectionSeries  = "series"
	CollectionSermons = "sermons"
	CollectionGroups  = "groups"
)

// ItemType tags the entity a series item points at.
type ItemType string

const (
	ItemSermon ItemType = "sermon"
	ItemGroup  ItemType = "group"
)

// ItemTypes lists every member variant a series can hold.
var ItemTypes = []ItemType{ItemSermon, ItemGroup}

// Collection is the document collection holding entities of this type.
func (t ItemType) Collection() string {
	switch t {
	case ItemSermon:
		return CollectionSermons
	case ItemGroup:
		return CollectionGroups
	default:
		return ""
	}
}

type SeriesItem struct {
	ID       string   `json:"id"`
	Type     ItemType `json:"type"`
	RefID    string   `json:"refId"`
	Position int      `json:"position"`
}

type Series struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Theme       string       `json:"theme"`
	Color       string       `json:"color,omitempty"`
	StartDate   *time.Time   `json:"startDate"`
	IsActive    bool         `json:"isActive"`
	Items       []SeriesItem `json:"items"`
	// SermonIDs is the legacy membership list; see Members.
	SermonIDs []string `json:"sermonIds"`
	// ItemsOnly is set by the first write of items; sermonIds is never read again after it.
	ItemsOnly bool      `json:"itemsOnly,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SeriesDetails carries a partial update of the descriptive series fields.
type SeriesDetails struct {
	Title       *string
	Description *string
	Theme       *string
	Color       *string
	StartDate   *time.Time
	IsActive    *bool
}

type Sermon struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Verse          string    `json:"verse"`
	SeriesID       *string   `json:"seriesId"`
	SeriesPosition *int      `json:"seriesPosition"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Group struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	SeriesID       *string   `json:"seriesId"`
	SeriesPosition *int      `json:"seriesPosition"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// BackReference is the series pointer stored on a sermon or group.
type BackReference struct {
	Type           ItemType `json:"-"`
	EntityID       string   `json:"id"`
	SeriesID       *string  `json:"seriesId"`
	SeriesPosition *int     `json:"seriesPosition"`
}

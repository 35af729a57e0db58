package store

// Member is one resolved entry of a series' ordered membership.
type Member struct {
	ItemID string   `json:"itemId"`
	Type   ItemType `json:"type"`
	RefID  string   `json:"refId"`
}

type MembershipMode string

const (
	ModeEmpty  MembershipMode = "empty"
	ModeItems  MembershipMode = "items"
	ModeLegacy MembershipMode = "legacy"
)

// membershipView resolves one storage representation of a series' membership.
type membershipView interface {
	mode() MembershipMode
	members() []Member
}

type itemsView []SeriesItem

func (v itemsView) mode() MembershipMode { return ModeItems }

func (v itemsView) members() []Member {
	members := make([]Member, len(v))
	for i, item := range v {
		members[i] = Member{ItemID: item.ID, Type: item.Type, RefID: item.RefID}
	}
	return members
}

// legacyView exposes sermonIds as sermon members whose item id is the sermon id.
type legacyView []string

func (v legacyView) mode() MembershipMode { return ModeLegacy }

func (v legacyView) members() []Member {
	members := make([]Member, len(v))
	for i, sermonID := range v {
		members[i] = Member{ItemID: sermonID, Type: ItemSermon, RefID: sermonID}
	}
	return members
}

type emptyView struct{}

func (emptyView) mode() MembershipMode { return ModeEmpty }
func (emptyView) members() []Member    { return nil }

// items wins whenever it is non-empty. sermonIds is only consulted when items is empty
// and has never been written.
func (s Series) view() membershipView {
	switch {
	case len(s.Items) > 0:
		return itemsView(s.Items)
	case s.ItemsOnly:
		return emptyView{}
	case len(s.SermonIDs) > 0:
		return legacyView(s.SermonIDs)
	default:
		return emptyView{}
	}
}

func (s Series) Mode() MembershipMode {
	return s.view().mode()
}

// Members returns the series membership in order.
func (s Series) Members() []Member {
	return s.view().members()
}

func (s Series) HasMember(t ItemType, refID string) bool {
	for _, m := range s.Members() {
		if m.Type == t && m.RefID == refID {
			return true
		}
	}
	return false
}

// workingItems is the item list a heterogeneous mutation starts from. Stored items are
// copied as-is; a legacy series is seeded from sermonIds in order.
func (s Series) workingItems() []SeriesItem {
	if s.Mode() == ModeItems {
		items := make([]SeriesItem, len(s.Items))
		copy(items, s.Items)
		return items
	}
	members := s.Members()
	items := make([]SeriesItem, len(members))
	for i, m := range members {
		items[i] = SeriesItem{ID: m.ItemID, Type: m.Type, RefID: m.RefID, Position: i + 1}
	}
	return items
}

func (s Series) refsOfType(t ItemType) []string {
	var refs []string
	for _, m := range s.Members() {
		if m.Type == t {
			refs = append(refs, m.RefID)
		}
	}
	return refs
}

package collections

const (
	Pages            = "pages"
	Visits           = "visits"
	FavIcons         = "favIcons"
	Bookmarks        = "bookmarks"
	Tags             = "tags"
	CustomLists      = "customLists"
	PageListEntries  = "pageListEntries"
	Annotations      = "annotations"
	AnnotBookmarks   = "annotBookmarks"
	AnnotListEntries = "annotListEntries"
	SyncDeviceInfo   = "syncDeviceInfo"
)

// DefaultRegistry returns the collections synced between Memex devices.
func DefaultRegistry() *Registry {
	return MustRegistry(
		Schema{Name: Pages, PrimaryKey: []string{"url"}, PageRef: "url", Passive: PassiveRolePage},
		Schema{Name: Visits, PrimaryKey: []string{"url", "time"}, DependsOn: []string{Pages}, PageRef: "url", Passive: PassiveRoleFollower},
		Schema{Name: FavIcons, PrimaryKey: []string{"hostname"}},
		Schema{Name: Bookmarks, PrimaryKey: []string{"url"}, DependsOn: []string{Pages}, PageRef: "url", Passive: PassiveRoleActivator},
		Schema{Name: Tags, PrimaryKey: []string{"name", "url"}, DependsOn: []string{Pages}, PageRef: "url", Passive: PassiveRoleActivator},
		Schema{Name: CustomLists, PrimaryKey: []string{"id"}, Derive: deriveListTerms},
		Schema{Name: PageListEntries, PrimaryKey: []string{"listId", "pageUrl"}, DependsOn: []string{CustomLists, Pages}, PageRef: "pageUrl", Passive: PassiveRoleActivator},
		Schema{Name: Annotations, PrimaryKey: []string{"url"}, DependsOn: []string{Pages}, PageRef: "pageUrl", Passive: PassiveRoleActivator},
		Schema{Name: AnnotBookmarks, PrimaryKey: []string{"url"}, DependsOn: []string{Annotations}},
		Schema{Name: AnnotListEntries, PrimaryKey: []string{"listId", "url"}, DependsOn: []string{CustomLists, Annotations}},
		Schema{Name: SyncDeviceInfo, PrimaryKey: []string{"deviceId"}},
	)
}

func deriveListTerms(list Object) {
	name, ok := list["name"].(string)
	if !ok {
		return
	}
	list["searchableName"] = name
	list["nameTerms"] = ExtractTerms(name)
}

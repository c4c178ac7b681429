package store

import "gorm.io/gorm"

// GroupRepo is the repository for ServerGroup, UserGroup, and their
// membership edges. The Policy Engine walks parent pointers itself (the
// BFS primitive in internal/engine) — this repo only exposes the raw
// edges it needs.
type GroupRepo struct {
	db *gorm.DB
}

func (r *GroupRepo) CreateServerGroup(g *ServerGroup) error {
	return r.db.Create(g).Error
}

func (r *GroupRepo) CreateUserGroup(g *UserGroup) error {
	return r.db.Create(g).Error
}

func (r *GroupRepo) ServerGroup(id string) (*ServerGroup, error) {
	var g ServerGroup
	if err := r.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GroupRepo) UserGroup(id string) (*UserGroup, error) {
	var g UserGroup
	if err := r.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// SetServerGroupParent rewrites a ServerGroup's parent pointer.
func (r *GroupRepo) SetServerGroupParent(id string, parentID *string) error {
	return r.db.Model(&ServerGroup{}).Where("id = ?", id).Update("parent_id", parentID).Error
}

// SetUserGroupParent rewrites a UserGroup's parent pointer.
func (r *GroupRepo) SetUserGroupParent(id string, parentID *string) error {
	return r.db.Model(&UserGroup{}).Where("id = ?", id).Update("parent_id", parentID).Error
}

// AddBackendToGroup adds a backend to a server group.
func (r *GroupRepo) AddBackendToGroup(groupID, backendID string) error {
	return r.db.Create(&GroupMember{GroupID: groupID, BackendID: backendID}).Error
}

// AddPersonToGroup adds a person to a user group.
func (r *GroupRepo) AddPersonToGroup(groupID, personID string) error {
	return r.db.Create(&UserGroupMember{GroupID: groupID, PersonID: personID}).Error
}

// GroupsForPerson returns the user groups a person is a direct member of.
func (r *GroupRepo) GroupsForPerson(personID string) ([]string, error) {
	var rows []UserGroupMember
	if err := r.db.Where("person_id = ?", personID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.GroupID)
	}
	return ids, nil
}

// ServerGroupParent returns the parent ID of a server group, or nil at
// the root.
func (r *GroupRepo) ServerGroupParent(groupID string) (*string, error) {
	g, err := r.ServerGroup(groupID)
	if err != nil {
		return nil, err
	}
	return g.ParentID, nil
}

// UserGroupParent returns the parent ID of a user group, or nil at the
// root.
func (r *GroupRepo) UserGroupParent(groupID string) (*string, error) {
	g, err := r.UserGroup(groupID)
	if err != nil {
		return nil, err
	}
	return g.ParentID, nil
}

// AllServerGroups returns every server group, for closure computation.
func (r *GroupRepo) AllServerGroups() ([]ServerGroup, error) {
	var rows []ServerGroup
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AllUserGroups returns every user group, for closure computation.
func (r *GroupRepo) AllUserGroups() ([]UserGroup, error) {
	var rows []UserGroup
	if err := r.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

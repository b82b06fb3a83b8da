package sqlstore

import (
	"fmt"

	"github.com/pliu/classchat/internal/models"
	"github.com/pliu/classchat/internal/store"
)

// CreateGroup inserts the group and its creator as first member atomically.
func (s *SQLStore) CreateGroup(name, creator string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return unavailable("begin create group", err)
	}
	defer tx.Rollback()

	now := s.nowFn()
	query := s.rebind("INSERT INTO groups (name, creator, created_at) VALUES (?, ?, ?)")
	if _, err := tx.Exec(query, name, creator, now); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateGroup, name)
		}
		return unavailable("create group", err)
	}
	if _, err := tx.Exec(s.addMemberQuery(), name, creator, now); err != nil {
		return unavailable("add creator", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit create group", err)
	}
	return nil
}

func (s *SQLStore) GroupExists(name string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM groups WHERE name = ?)")
	if err := s.db.QueryRow(query, name).Scan(&exists); err != nil {
		return false, unavailable("group exists", err)
	}
	return exists, nil
}

// AddMember is idempotent; joining twice leaves a single membership row.
func (s *SQLStore) AddMember(group, username string) error {
	exists, err := s.GroupExists(group)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrUnknownGroup, group)
	}
	if _, err := s.db.Exec(s.addMemberQuery(), group, username, s.nowFn()); err != nil {
		return unavailable("add member", err)
	}
	return nil
}

func (s *SQLStore) addMemberQuery() string {
	return s.rebind("INSERT INTO group_members (group_name, username, joined_at) VALUES (?, ?, ?) ON CONFLICT (group_name, username) DO NOTHING")
}

func (s *SQLStore) IsMember(group, username string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM group_members WHERE group_name = ? AND username = ?)")
	if err := s.db.QueryRow(query, group, username).Scan(&exists); err != nil {
		return false, unavailable("is member", err)
	}
	return exists, nil
}

func (s *SQLStore) ListMembers(group string) ([]string, error) {
	query := s.rebind("SELECT username FROM group_members WHERE group_name = ? ORDER BY username")
	rows, err := s.db.Query(query, group)
	if err != nil {
		return nil, unavailable("list members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, unavailable("scan member", err)
		}
		members = append(members, username)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list members", err)
	}
	return members, nil
}

func (s *SQLStore) ListGroups() ([]models.Group, error) {
	rows, err := s.db.Query("SELECT id, name, creator, created_at FROM groups ORDER BY name")
	if err != nil {
		return nil, unavailable("list groups", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Creator, &g.CreatedAt); err != nil {
			return nil, unavailable("scan group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list groups", err)
	}
	return groups, nil
}
